// ============================================================================
// Heartbeat wire record
// ============================================================================
//
// Package: internal/heartbeat
// File: codec.go
// Purpose: compact, versioned binary encoding of types.Heartbeat
//
// Layout (protobuf wire format, hand-encoded with protowire):
//
//   1  version    varint   required, <= WireVersion
//   2  rank       varint   required
//   3  timestamp  fixed64  required, sender clock in unix nanoseconds
//   4  progress   varint
//   5  status     varint   types.LocalStatus, absent = unset
//   6  sample     bytes    nested { 1 interval varint, 2 duration_ns varint }
//   7  attempt    varint
//
// Decoders skip unknown fields so newer senders can add fields without
// breaking older supervisors. A record whose version is newer than
// WireVersion is rejected outright.
//
// ============================================================================

package heartbeat

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// WireVersion is the newest record version this build understands.
const WireVersion = 1

const (
	fieldVersion   protowire.Number = 1
	fieldRank      protowire.Number = 2
	fieldTimestamp protowire.Number = 3
	fieldProgress  protowire.Number = 4
	fieldStatus    protowire.Number = 5
	fieldSample    protowire.Number = 6
	fieldAttempt   protowire.Number = 7

	sampleInterval protowire.Number = 1
	sampleDuration protowire.Number = 2
)

var (
	// ErrUnsupportedVersion is returned for records from a newer protocol.
	ErrUnsupportedVersion = errors.New("heartbeat: unsupported wire version")
	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("heartbeat: missing required field")
)

// DecodeError describes a malformed record.
type DecodeError struct {
	Field protowire.Number
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == 0 {
		return fmt.Sprintf("heartbeat: malformed record: %v", e.Err)
	}
	return fmt.Sprintf("heartbeat: malformed field %d: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes a heartbeat.
func Encode(hb types.Heartbeat) []byte {
	b := make([]byte, 0, 48)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, WireVersion)
	b = protowire.AppendTag(b, fieldRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(hb.Rank))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(hb.Timestamp.UnixNano()))
	b = protowire.AppendTag(b, fieldProgress, protowire.VarintType)
	b = protowire.AppendVarint(b, hb.Progress)

	if hb.Status != types.StatusUnset {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(hb.Status))
	}
	if hb.Sample != nil {
		var s []byte
		s = protowire.AppendTag(s, sampleInterval, protowire.VarintType)
		s = protowire.AppendVarint(s, hb.Sample.Interval)
		s = protowire.AppendTag(s, sampleDuration, protowire.VarintType)
		s = protowire.AppendVarint(s, uint64(hb.Sample.Duration))
		b = protowire.AppendTag(b, fieldSample, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	if hb.Attempt != 0 {
		b = protowire.AppendTag(b, fieldAttempt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(hb.Attempt))
	}
	return b
}

// Decode parses a record produced by Encode, or by any sender speaking a
// version up to WireVersion.
func Decode(b []byte) (types.Heartbeat, error) {
	var (
		hb            types.Heartbeat
		version       uint64
		rawSample     []byte
		seenVersion   bool
		seenRank      bool
		seenTimestamp bool
		seenSample    bool
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return hb, &DecodeError{Err: protowire.ParseError(n)}
		}
		b = b[n:]

		switch num {
		case fieldVersion, fieldRank, fieldProgress, fieldStatus, fieldAttempt:
			if typ != protowire.VarintType {
				return hb, &DecodeError{Field: num, Err: errors.New("unexpected wire type")}
			}
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return hb, &DecodeError{Field: num, Err: protowire.ParseError(m)}
			}
			b = b[m:]
			switch num {
			case fieldVersion:
				version, seenVersion = v, true
			case fieldRank:
				if v > math.MaxInt32 {
					return hb, &DecodeError{Field: num, Err: errors.New("rank out of range")}
				}
				hb.Rank, seenRank = types.RankID(v), true
			case fieldProgress:
				hb.Progress = v
			case fieldStatus:
				if v > math.MaxUint8 {
					return hb, &DecodeError{Field: num, Err: errors.New("status out of range")}
				}
				hb.Status = types.LocalStatus(v)
			case fieldAttempt:
				if v > math.MaxInt32 {
					return hb, &DecodeError{Field: num, Err: errors.New("attempt out of range")}
				}
				hb.Attempt = int(v)
			}

		case fieldTimestamp:
			if typ != protowire.Fixed64Type {
				return hb, &DecodeError{Field: num, Err: errors.New("unexpected wire type")}
			}
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return hb, &DecodeError{Field: num, Err: protowire.ParseError(m)}
			}
			b = b[m:]
			hb.Timestamp = time.Unix(0, int64(v))
			seenTimestamp = true

		case fieldSample:
			if typ != protowire.BytesType {
				return hb, &DecodeError{Field: num, Err: errors.New("unexpected wire type")}
			}
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return hb, &DecodeError{Field: num, Err: protowire.ParseError(m)}
			}
			b = b[m:]
			rawSample, seenSample = v, true

		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return hb, &DecodeError{Field: num, Err: protowire.ParseError(m)}
			}
			b = b[m:]
		}
	}

	switch {
	case !seenVersion:
		return hb, &DecodeError{Field: fieldVersion, Err: ErrMissingField}
	case version > WireVersion:
		return hb, &DecodeError{Field: fieldVersion, Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)}
	case !seenRank:
		return hb, &DecodeError{Field: fieldRank, Err: ErrMissingField}
	case !seenTimestamp:
		return hb, &DecodeError{Field: fieldTimestamp, Err: ErrMissingField}
	}

	if seenSample {
		sample, err := decodeSample(rawSample)
		if err != nil {
			return hb, &DecodeError{Field: fieldSample, Err: err}
		}
		sample.Rank = hb.Rank
		hb.Sample = &sample
	}
	return hb, nil
}

func decodeSample(b []byte) (types.PerformanceSample, error) {
	var s types.PerformanceSample
	var seenInterval, seenDuration bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, protowire.ParseError(n)
		}
		b = b[n:]

		if (num == sampleInterval || num == sampleDuration) && typ == protowire.VarintType {
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return s, protowire.ParseError(m)
			}
			b = b[m:]
			if num == sampleInterval {
				s.Interval, seenInterval = v, true
			} else {
				if v > math.MaxInt64 {
					return s, errors.New("duration out of range")
				}
				s.Duration, seenDuration = time.Duration(v), true
			}
			continue
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return s, protowire.ParseError(m)
		}
		b = b[m:]
	}

	if !seenInterval || !seenDuration {
		return s, ErrMissingField
	}
	return s, nil
}
