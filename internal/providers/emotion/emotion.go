package emotion

import "context"

type Classifier interface {
	// Classify returns the dominant facial emotion in one frame.
	Classify(ctx context.Context, image []byte) (label string, confidence float64, err error)
	Close() error
}
