package telemetry

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/errors"
)

// Field numbers of the share telemetry wire message.
const (
	fieldDeviceID    protowire.Number = 1
	fieldNonce       protowire.Number = 2
	fieldTimestampUS protowire.Number = 3
	fieldDifficulty  protowire.Number = 4
	fieldBlockHash   protowire.Number = 5
	fieldHashrate    protowire.Number = 6
	fieldTemperature protowire.Number = 7
	fieldPowerWatts  protowire.Number = 8
	fieldIPAddress   protowire.Number = 9
	fieldLatencyMS   protowire.Number = 10
)

// MarshalShare encodes s in protobuf wire format. Zero fields are omitted.
func MarshalShare(s fingerprint.Share) []byte {
	var b []byte
	b = appendString(b, fieldDeviceID, s.DeviceID)
	b = appendVarint(b, fieldNonce, s.Nonce)
	b = appendVarint(b, fieldTimestampUS, s.TimestampUS)
	b = appendDouble(b, fieldDifficulty, s.Difficulty)
	b = appendString(b, fieldBlockHash, s.BlockHash)
	b = appendDouble(b, fieldHashrate, s.Hashrate)
	b = appendDouble(b, fieldTemperature, s.Temperature)
	b = appendDouble(b, fieldPowerWatts, s.PowerWatts)
	b = appendString(b, fieldIPAddress, s.IPAddress)
	b = appendDouble(b, fieldLatencyMS, s.LatencyMS)
	return b
}

// UnmarshalShare decodes a share telemetry message. Unknown fields are skipped.
func UnmarshalShare(b []byte) (fingerprint.Share, error) {
	var s fingerprint.Share
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fingerprint.Share{}, decodeErr(protowire.ParseError(n), 0)
		}
		b = b[n:]

		want, known := wireTypes[num]
		if !known {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fingerprint.Share{}, decodeErr(protowire.ParseError(n), num)
			}
			b = b[n:]
			continue
		}
		if typ != want {
			return fingerprint.Share{}, errors.Newf(errors.ErrorTypeValidation, "decode_share",
				"field %d has wire type %d, want %d", num, typ, want)
		}

		switch typ {
		case protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(b)
			if n >= 0 {
				setString(&s, num, v)
			}
		case protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 {
				setVarint(&s, num, v)
			}
		case protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			if n >= 0 {
				setDouble(&s, num, math.Float64frombits(v))
			}
		}
		if n < 0 {
			return fingerprint.Share{}, decodeErr(protowire.ParseError(n), num)
		}
		b = b[n:]
	}
	return s, nil
}

var wireTypes = map[protowire.Number]protowire.Type{
	fieldDeviceID:    protowire.BytesType,
	fieldNonce:       protowire.VarintType,
	fieldTimestampUS: protowire.VarintType,
	fieldDifficulty:  protowire.Fixed64Type,
	fieldBlockHash:   protowire.BytesType,
	fieldHashrate:    protowire.Fixed64Type,
	fieldTemperature: protowire.Fixed64Type,
	fieldPowerWatts:  protowire.Fixed64Type,
	fieldIPAddress:   protowire.BytesType,
	fieldLatencyMS:   protowire.Fixed64Type,
}

func setString(s *fingerprint.Share, num protowire.Number, v string) {
	switch num {
	case fieldDeviceID:
		s.DeviceID = v
	case fieldBlockHash:
		s.BlockHash = v
	case fieldIPAddress:
		s.IPAddress = v
	}
}

func setVarint(s *fingerprint.Share, num protowire.Number, v uint64) {
	switch num {
	case fieldNonce:
		s.Nonce = v
	case fieldTimestampUS:
		s.TimestampUS = v
	}
}

func setDouble(s *fingerprint.Share, num protowire.Number, v float64) {
	switch num {
	case fieldDifficulty:
		s.Difficulty = v
	case fieldHashrate:
		s.Hashrate = v
	case fieldTemperature:
		s.Temperature = v
	case fieldPowerWatts:
		s.PowerWatts = v
	case fieldLatencyMS:
		s.LatencyMS = v
	}
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func decodeErr(err error, num protowire.Number) *errors.ServiceError {
	return errors.Wrap(err, errors.ErrorTypeValidation, "decode_share", "malformed share telemetry").
		WithContext("field", int32(num))
}
