package main

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/andersfylling/rollplay/internal/demo"
	"github.com/andersfylling/rollplay/internal/session"
)

// runInteractive renders peer one's view of the arena and feeds its
// keyboard input into the session. Arrows or A/D move, W or space
// jumps, J attacks, Q or Escape quits.
func runInteractive(c *demoCluster) error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()
	screen.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorWhite))

	eventCh := make(chan tcell.Event, 32)
	quitCh := make(chan struct{})
	go func() {
		for {
			ev := screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case eventCh <- ev:
			case <-quitCh:
				return
			}
		}
	}()
	defer close(quitCh)

	colors := peerColors(len(c.peers))

	ticker := time.NewTicker(time.Second / 60)
	defer ticker.Stop()

	var held byte
	for {
		select {
		case ev := <-eventCh:
			quit, intent := translateEvent(screen, ev)
			if quit {
				return nil
			}
			held = intent
		case now := <-ticker.C:
			c.step(now, held)
			held = 0
			drawFrame(screen, c, colors)
		}
	}
}

func translateEvent(screen tcell.Screen, ev tcell.Event) (quit bool, intent byte) {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlC:
			return true, 0
		case tcell.KeyLeft:
			return false, demo.IntentLeft
		case tcell.KeyRight:
			return false, demo.IntentRight
		case tcell.KeyUp:
			return false, demo.IntentJump
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'q', 'Q':
				return true, 0
			case 'a', 'A':
				return false, demo.IntentLeft
			case 'd', 'D':
				return false, demo.IntentRight
			case 'w', 'W', ' ':
				return false, demo.IntentJump
			case 'j', 'J':
				return false, demo.IntentAttack
			}
		}
	case *tcell.EventResize:
		screen.Sync()
	}
	return false, 0
}

// peerColors spreads hues evenly around the wheel in HCL space, which
// keeps the terminal glyphs distinguishable at equal lightness.
func peerColors(n int) []tcell.Color {
	out := make([]tcell.Color, n)
	for i := range out {
		hue := float64(i) * 360 / float64(n)
		col := colorful.Hcl(hue, 0.6, 0.7).Clamped()
		r, g, b := col.RGB255()
		out[i] = tcell.NewRGBColor(int32(r), int32(g), int32(b))
	}
	return out
}

func drawFrame(screen tcell.Screen, c *demoCluster, colors []tcell.Color) {
	screen.Clear()
	w, h := screen.Size()

	local := c.peers[0]
	scaleX := float64(w) / (demo.ArenaWidth / 1000)
	scaleY := float64(h-2) / (demo.ArenaHeight / 1000)

	// Floor line.
	floorRow := int(float64(demo.FloorY) / 1000 * scaleY)
	if floorRow >= h-2 {
		floorRow = h - 3
	}
	for x := 0; x < w; x++ {
		screen.SetContent(x, floorRow+1, '─', nil, tcell.StyleDefault.Foreground(tcell.ColorGray))
	}

	for i, pv := range local.world.Pawns() {
		x := int(pv.X * scaleX)
		y := int(pv.Y * scaleY)
		if x < 0 || x >= w || y < 0 || y >= h-2 {
			continue
		}
		style := tcell.StyleDefault.Foreground(colors[i%len(colors)])
		glyph := '@'
		if pv.Energy == 0 {
			glyph = 'x'
		}
		screen.SetContent(x, y, glyph, nil, style)
		label := fmt.Sprintf("%s %d", pv.Owner, pv.Energy)
		for j, ch := range label {
			if x+j+2 < w {
				screen.SetContent(x+j+2, y, ch, nil, tcell.StyleDefault.Foreground(tcell.ColorGray))
			}
		}
	}

	st := local.sess.GetStatus()
	hud := fmt.Sprintf(" frame %d  confirmed %d  rollbacks %d  desyncs %d  host %s  %s",
		st.CurrentFrame, st.ConfirmedFrame, st.Engine.RollbackCount,
		st.DesyncCount, st.HostID, stateLabel(st))
	for i, ch := range hud {
		if i >= w {
			break
		}
		screen.SetContent(i, h-1, ch, nil, tcell.StyleDefault.Foreground(tcell.ColorYellow))
	}

	screen.Show()
}

func stateLabel(st session.StatusReport) string {
	switch {
	case !st.Running:
		return "stopped"
	case st.Paused:
		return "migrating"
	case st.Stalled:
		return "stalled"
	}
	return "running"
}
