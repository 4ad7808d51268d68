//go:build linux

package indicator

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

func openOutput(cfg Config) (output, error) {
	if cfg.Line < 0 {
		return nil, fmt.Errorf("indicator: invalid gpio line %d", cfg.Line)
	}
	chip, err := gpiocdev.NewChip(cfg.Chip, gpiocdev.WithConsumer("gcslink-armed"))
	if err != nil {
		return nil, fmt.Errorf("indicator: open %s: %w", cfg.Chip, err)
	}
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if cfg.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	line, err := chip.RequestLine(cfg.Line, opts...)
	if err != nil {
		_ = chip.Close()
		return nil, fmt.Errorf("indicator: request line %d: %w", cfg.Line, err)
	}
	return &gpiodLine{chip: chip, line: line}, nil
}

var openOutputFn = openOutput

type gpiodLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpiodLine) Set(on bool) error {
	if g.line == nil {
		return fmt.Errorf("indicator: line closed")
	}
	v := 0
	if on {
		v = 1
	}
	return g.line.SetValue(v)
}

func (g *gpiodLine) Close() error {
	if g.line == nil {
		return nil
	}
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
