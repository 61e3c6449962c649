package inject

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"replypilot/internal/dom"
)

// Typist writes generated text into a composer element. Two modes:
// immediate replaces the content in one shot, paced appends rune by
// rune with human-looking delays. Both finish by firing the same
// input and change events so downstream listeners cannot tell the
// modes apart.
type Typist struct {
	sleep func(context.Context, time.Duration) error
	delay func() time.Duration
}

// NewTypist returns a typist with real delays.
func NewTypist() *Typist {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Typist{
		sleep: sleepCtx,
		delay: func() time.Duration {
			return 30*time.Millisecond + time.Duration(rng.Intn(60))*time.Millisecond
		},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Insert writes text into composer. Paced insertion stops early when
// the context ends, leaving the partial text in place.
func (t *Typist) Insert(ctx context.Context, composer *dom.Element, text string, paced bool, fire func(target *dom.Element, event string)) error {
	if paced {
		if err := t.typeOut(ctx, composer, text); err != nil {
			return err
		}
	} else {
		composer.SetText(text)
	}
	if fire != nil {
		fire(composer, "input")
		fire(composer, "change")
	}
	return nil
}

func (t *Typist) typeOut(ctx context.Context, composer *dom.Element, text string) error {
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		composer.SetText(b.String())
		d := t.delay()
		// Hesitate a touch longer at word and sentence breaks.
		if r == ' ' {
			d += d / 2
		} else if strings.ContainsRune(".,!?;:", r) {
			d *= 2
		}
		if err := t.sleep(ctx, d); err != nil {
			return err
		}
	}
	return nil
}
