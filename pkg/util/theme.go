// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	Theme = func() *huh.Theme {
		t := huh.ThemeBase16()
		t.Focused.FocusedButton = t.Focused.FocusedButton.Foreground(lipgloss.Color("7")).Background(lipgloss.Color("4"))
		t.Focused.TextInput.Cursor.Foreground(lipgloss.Color("4"))
		return t
	}()

	Accented = func(text string) string {
		return Theme.Focused.Title.Render(text)
	}
	Dimmed = func(text string) string {
		return Theme.Focused.Description.Render(text)
	}

	green = lipgloss.AdaptiveColor{Light: "#036D26", Dark: "#06DB4D"}
	red   = lipgloss.AdaptiveColor{Light: "#CE4A3B", Dark: "#FF6352"}

	Succeeded = func(text string) string {
		return lipgloss.NewStyle().Foreground(green).Render(text)
	}
	Failed = func(text string) string {
		return lipgloss.NewStyle().Foreground(red).Bold(true).Render(text)
	}

	Fg              = lipgloss.AdaptiveColor{Light: "235", Dark: "252"}
	FormBaseStyle   = Theme.Form.Base.Foreground(Fg).Padding(0, 1)
	FormHeaderStyle = FormBaseStyle.Bold(true)
)

// CreateTable returns a table styled with the form theme: the header row
// bold, every cell padded.
func CreateTable() *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("238"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return FormHeaderStyle
			}
			return FormBaseStyle
		})
}
