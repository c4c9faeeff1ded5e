package audit

import (
	"context"
	"errors"
)

// Fanout delivers every event to each sink in order and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
