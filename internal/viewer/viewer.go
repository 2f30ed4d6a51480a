// Package viewer draws a session's active window on a terminal and walks the
// observer with the keyboard. The viewer steps the session itself, so the
// session's Run loop must not be running.
package viewer

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"

	"tilestream.dev/internal/sim/session"
	"tilestream.dev/internal/sim/tilemap"
	"tilestream.dev/internal/sim/tilemap/fence"
	"tilestream.dev/internal/sim/tilemap/grid"
)

const (
	runeTile     = '.'
	runeObserver = '@'
)

var (
	tilePalette = []tcell.Color{
		tcell.NewRGBColor(40, 110, 40),
		tcell.NewRGBColor(110, 80, 40),
		tcell.NewRGBColor(150, 60, 140),
		tcell.NewRGBColor(190, 170, 90),
		tcell.NewRGBColor(70, 90, 120),
	}
	obstacleRunes = []rune{'#', '%', '&', '*', '+', '$'}

	styleStatus   = tcell.StyleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorNavy)
	styleObserver = tcell.StyleDefault.Foreground(tcell.ColorWhite).Reverse(true)
	styleFence    = tcell.StyleDefault.Foreground(tcell.ColorYellow).Bold(true)
)

// Viewer renders one session. All methods must be called from one goroutine.
type Viewer struct {
	screen tcell.Screen
	sess   *session.Session
	gen    *tilemap.Generator

	pos     grid.Vec3
	spacing float64

	digest string
	err    error
}

func New(screen tcell.Screen, sess *session.Session, start grid.Vec3) *Viewer {
	gen := sess.Generator()
	return &Viewer{
		screen:  screen,
		sess:    sess,
		gen:     gen,
		pos:     start,
		spacing: float64(gen.Config().TileSpacing),
		digest:  gen.Digest(),
	}
}

// Pos is the observer's world position.
func (v *Viewer) Pos() grid.Vec3 { return v.pos }

// HandleEvent applies a key or resize event. It reports false when the
// viewer should quit.
func (v *Viewer) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlC:
			return false
		case tcell.KeyUp:
			v.pos.Z += v.spacing
		case tcell.KeyDown:
			v.pos.Z -= v.spacing
		case tcell.KeyLeft:
			v.pos.X -= v.spacing
		case tcell.KeyRight:
			v.pos.X += v.spacing
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'q':
				return false
			case 'k', 'w':
				v.pos.Z += v.spacing
			case 'j', 's':
				v.pos.Z -= v.spacing
			case 'h', 'a':
				v.pos.X -= v.spacing
			case 'l', 'd':
				v.pos.X += v.spacing
			}
		}
	case *tcell.EventResize:
		v.screen.Sync()
	}
	return true
}

// Step advances the session one tick at the current position.
func (v *Viewer) Step() error {
	_, digest, err := v.sess.StepOnce(v.pos)
	if err != nil {
		v.err = err
		return err
	}
	v.digest = digest
	return nil
}

// Draw renders the window centred on the observer's cell, +z up, one
// terminal column per cell. The last row is a status line.
func (v *Viewer) Draw() {
	v.screen.Clear()
	w, h := v.screen.Size()
	if w <= 0 || h <= 1 {
		v.screen.Show()
		return
	}
	cur := v.gen.Cell()
	cx, cy := w/2, (h-1)/2

	toScreen := func(c grid.Cell) (int, int, bool) {
		x := cx + int(c.X-cur.X)
		y := cy - int(c.Z-cur.Z)
		return x, y, x >= 0 && x < w && y >= 0 && y < h-1
	}

	for _, st := range v.gen.Active() {
		x, y, ok := toScreen(st.Cell)
		if !ok {
			continue
		}
		bg := tilePalette[int(st.Tile)%len(tilePalette)]
		style := tcell.StyleDefault.Background(bg).Foreground(tcell.ColorWhite)
		r := runeTile
		if st.Obstacle >= 0 {
			r = obstacleRunes[int(st.Obstacle)%len(obstacleRunes)]
		}
		v.screen.SetContent(x, y, r, nil, style)
	}

	for _, f := range v.gen.Fences() {
		x, y, ok := toScreen(f.Cell)
		if !ok {
			continue
		}
		r := '-'
		if f.Orientation == fence.Vertical {
			r = '|'
		}
		if prev, _, _, _ := v.screen.GetContent(x, y); prev == '|' || prev == '-' {
			if prev != r {
				r = '+'
			}
		}
		v.screen.SetContent(x, y, r, nil, styleFence)
	}

	v.screen.SetContent(cx, cy, runeObserver, nil, styleObserver)
	v.drawStatus(w, h-1)
	v.screen.Show()
}

func (v *Viewer) drawStatus(w, y int) {
	m := v.sess.Metrics()
	line := fmt.Sprintf(" %s  tick %d  cell (%d,%d)  tiles %d  obstacles %d  pending %d  cache %d  %.8s",
		v.gen.Mode(), m.Tick, m.Cell.X, m.Cell.Z, m.ActiveTiles, m.ActiveObstacles, m.Pending, m.CacheSize, v.digest)
	if v.err != nil {
		line = " error: " + v.err.Error()
	}
	for x := range w {
		r := ' '
		if x < len(line) {
			r = rune(line[x])
		}
		v.screen.SetContent(x, y, r, nil, styleStatus)
	}
}

// Run polls input and steps the session at its tick rate until the user
// quits, ctx ends or a tick fails.
func (v *Viewer) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(v.sess.TickRateHz())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	events := make(chan tcell.Event, 64)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			ev := v.screen.PollEvent()
			if ev == nil {
				close(events)
				return
			}
			select {
			case events <- ev:
			case <-quit:
				return
			}
		}
	}()

	v.Draw()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !v.HandleEvent(ev) {
				return nil
			}
		case <-ticker.C:
			if err := v.Step(); err != nil {
				v.Draw()
				return err
			}
			v.Draw()
		}
	}
}
