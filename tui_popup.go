package main

import (
	"strings"

	"github.com/gdamore/tcell/v2"
)

// drawFrame dims the screen and draws a bordered box, returning its
// clamped geometry.
func drawFrame(screen tcell.Screen, width, height, boxWidth, boxHeight int) (int, int, int, int) {
	boxX := (width - boxWidth) / 2
	boxY := (height - boxHeight) / 2
	if boxX < 0 {
		boxX = 0
	}
	if boxY < 0 {
		boxY = 0
	}
	if boxX+boxWidth > width {
		boxWidth = width - boxX
	}
	if boxY+boxHeight > height {
		boxHeight = height - boxY
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			screen.SetContent(x, y, ' ', nil, tcell.StyleDefault.Dim(true))
		}
	}

	border := tcell.StyleDefault.Bold(true)
	right, bottom := boxX+boxWidth-1, boxY+boxHeight-1
	for y := boxY; y <= bottom; y++ {
		for x := boxX; x <= right; x++ {
			ch, style := ' ', tcell.StyleDefault.Reverse(true)
			switch {
			case y == boxY && x == boxX:
				ch, style = '┌', border
			case y == boxY && x == right:
				ch, style = '┐', border
			case y == bottom && x == boxX:
				ch, style = '└', border
			case y == bottom && x == right:
				ch, style = '┘', border
			case y == boxY || y == bottom:
				ch, style = '─', border
			case x == boxX || x == right:
				ch, style = '│', border
			}
			screen.SetContent(x, y, ch, nil, style)
		}
	}
	return boxX, boxY, boxWidth, boxHeight
}

// drawBoxLine centers text on row y inside the box.
func drawBoxLine(screen tcell.Screen, boxX, boxWidth, y int, text string, style tcell.Style) {
	r := []rune(text)
	if len(r) > boxWidth-4 && boxWidth > 4 {
		r = r[:boxWidth-4]
	}
	x := boxX + (boxWidth-len(r))/2
	drawText(screen, x, y, boxX+boxWidth-1, string(r), style)
}

// renderConfirmDialog renders the Yes/No dialog guarding the install.
func (s *tuiState) renderConfirmDialog(screen tcell.Screen, width, height int) {
	boxX, boxY, boxWidth, boxHeight := drawFrame(screen, width, height, 64, 7)
	drawBoxLine(screen, boxX, boxWidth, boxY+2, s.confirmMessage, tcell.StyleDefault.Reverse(true).Bold(true))

	yesNoY := boxY + 4
	yesX := boxX + boxWidth/2 - 10
	noX := boxX + boxWidth/2 + 5
	for i, opt := range []struct {
		x     int
		label string
	}{{yesX, " Yes"}, {noX, " No"}} {
		style := tcell.StyleDefault.Reverse(true)
		mark := " "
		if s.selectedOptionIdx == i {
			style = tcell.StyleDefault.Foreground(tcell.ColorBlack).Background(tcell.ColorWhite).Reverse(true)
			mark = "X"
		}
		drawText(screen, opt.x, yesNoY, boxX+boxWidth-1, "["+mark+"]"+opt.label, style)
	}

	drawBoxLine(screen, boxX, boxWidth, boxY+boxHeight-2, "←→: Toggle  Enter: Confirm  Esc: Cancel", tcell.StyleDefault.Dim(true).Reverse(true))
}

// renderErrorDialog renders an error message, word wrapped.
func (s *tuiState) renderErrorDialog(screen tcell.Screen, width, height int) {
	lines := wrapWords(s.errorMessage, 66)
	boxWidth := 70
	if len(lines) == 1 && len(lines[0])+4 < boxWidth {
		boxWidth = len(lines[0]) + 6
		if boxWidth < 26 {
			boxWidth = 26
		}
	}
	boxX, boxY, boxWidth, boxHeight := drawFrame(screen, width, height, boxWidth, len(lines)+5)

	drawBoxLine(screen, boxX, boxWidth, boxY+1, "Error", tcell.StyleDefault.Bold(true).Foreground(tcell.ColorRed).Reverse(true))
	for i, line := range lines {
		y := boxY + 3 + i
		if y >= boxY+boxHeight-2 {
			break
		}
		drawBoxLine(screen, boxX, boxWidth, y, line, tcell.StyleDefault.Reverse(true))
	}
	drawBoxLine(screen, boxX, boxWidth, boxY+boxHeight-2, "Press any key to close", tcell.StyleDefault.Dim(true).Reverse(true))
}

// wrapWords breaks msg into lines of at most width runes where possible.
func wrapWords(msg string, width int) []string {
	var lines []string
	var cur string
	for _, word := range strings.Fields(msg) {
		switch {
		case cur == "":
			cur = word
		case len(cur)+1+len(word) <= width:
			cur += " " + word
		default:
			lines = append(lines, cur)
			cur = word
		}
	}
	if cur != "" || len(lines) == 0 {
		lines = append(lines, cur)
	}
	return lines
}
