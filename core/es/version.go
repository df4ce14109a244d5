package es

import "log/slog"

// Version represents the version number of an aggregate within its stream.
// It is a monotonically increasing value starting from 1 for the first event.
// Versions are gap-free per (AggregateID, AggregateType): appending event
// N+1 requires events 1..N to exist.
type Version uint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }
