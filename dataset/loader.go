package dataset

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/unixpickle/dist-ssd/nn"
	"github.com/unixpickle/dist-ssd/ssd"
	"golang.org/x/sync/errgroup"
)

// Options configure a Loader.
type Options struct {
	BatchSize  int
	Workers    int
	Dims       [3]int
	ObjectSize float64

	Shuffle  bool
	FlipProb float64

	// Seed and Rank together seed shuffling and flips.
	Seed int64
	Rank int
}

// A Loader yields batches of processed events.
type Loader struct {
	opts   Options
	events []Event
	epoch  int64
}

// Open creates a loader for a record file, or for a
// "synthetic:<events>:<seed>" source.
func Open(source string, opts Options) (*Loader, error) {
	n, seed, ok, err := parseSynthetic(source)
	if err != nil {
		return nil, err
	}
	var events []Event
	if ok {
		events = Synthetic(n, seed, opts.Dims, opts.ObjectSize)
	} else {
		events, err = ReadFile(source)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", source)
		}
	}
	return NewLoader(events, opts)
}

// NewLoader creates a loader over in-memory events.
func NewLoader(events []Event, opts Options) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", opts.BatchSize)
	}
	if len(events) == 0 {
		return nil, errors.New("no events")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Loader{opts: opts, events: events}, nil
}

// NumEvents returns the number of events.
func (l *Loader) NumEvents() int {
	return len(l.events)
}

// Len returns the number of batches per epoch. The last
// batch may be smaller.
func (l *Loader) Len() int {
	return (len(l.events) + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Epoch calls fn with every batch of one pass over the
// data, in order.
//
// Workers prepare upcoming batches while fn runs. The
// batch order and flips depend only on the options and
// how many epochs came before.
func (l *Loader) Epoch(ctx context.Context, fn func(b *ssd.Batch) error) error {
	l.epoch++
	order := l.order()
	numBatches := l.Len()
	results := make([]chan *ssd.Batch, numBatches)
	for i := range results {
		results[i] = make(chan *ssd.Batch)
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < l.opts.Workers; w++ {
		w := w
		eg.Go(func() error {
			for i := w; i < numBatches; i += l.opts.Workers {
				b, err := l.batch(order, i)
				if err != nil {
					return err
				}
				select {
				case results[i] <- b:
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	var fnErr error
	var consumed int
	for consumed < numBatches && fnErr == nil {
		select {
		case b := <-results[consumed]:
			fnErr = fn(b)
			consumed++
		case <-ctx.Done():
			fnErr = ctx.Err()
		}
	}
	cancel()
	if err := eg.Wait(); err != nil {
		return err
	}
	if fnErr != nil && parent.Err() != nil {
		return parent.Err()
	}
	return fnErr
}

func (l *Loader) order() []int {
	if !l.opts.Shuffle {
		res := make([]int, len(l.events))
		for i := range res {
			res[i] = i
		}
		return res
	}
	return rand.New(rand.NewSource(l.seed(0))).Perm(len(l.events))
}

func (l *Loader) batch(order []int, idx int) (*ssd.Batch, error) {
	start := idx * l.opts.BatchSize
	end := min(start+l.opts.BatchSize, len(order))
	c, h, w := l.opts.Dims[0], l.opts.Dims[1], l.opts.Dims[2]
	rng := rand.New(rand.NewSource(l.seed(int64(idx) + 1)))
	res := &ssd.Batch{Images: nn.NewTensor(end-start, c, h, w)}
	for i, eventIdx := range order[start:end] {
		s, err := Process(l.events[eventIdx], l.opts.Dims, l.opts.ObjectSize)
		if err != nil {
			return nil, errors.Wrapf(err, "event %d", eventIdx)
		}
		if l.opts.FlipProb > 0 && rng.Float64() < l.opts.FlipProb {
			s.Flip(l.opts.Dims)
		}
		copy(res.Images.Data[i*c*h*w:], s.Image)
		res.Objects = append(res.Objects, s.Objects)
		res.NTracks = append(res.NTracks, s.NTracks)
	}
	return res, nil
}

func (l *Loader) seed(stream int64) int64 {
	return l.opts.Seed*1000003 + int64(l.opts.Rank)*7919 + l.epoch*104729 + stream*15485863
}
