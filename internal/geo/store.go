package geo

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var ErrNoDataset = errors.New("no geo dataset loaded")

// Store holds the current dataset. Readers take a snapshot with Current and
// keep using it for the whole run; Swap never mutates a published dataset.
type Store struct {
	current atomic.Pointer[Dataset]
	log     zerolog.Logger
}

func NewStore(log zerolog.Logger) *Store {
	return &Store{log: log}
}

func (s *Store) Current() (*Dataset, error) {
	ds := s.current.Load()
	if ds == nil {
		return nil, ErrNoDataset
	}
	return ds, nil
}

// Swap publishes ds and returns the previous dataset, if any.
func (s *Store) Swap(ds *Dataset) *Dataset {
	prev := s.current.Swap(ds)
	ev := s.log.Info().
		Str("version", ds.Version()).
		Int("junctions", ds.JunctionCount()).
		Int("zones", ds.ZoneCount())
	if prev != nil {
		ev = ev.Str("previous_version", prev.Version())
	}
	ev.Msg("geo dataset published")
	return prev
}
