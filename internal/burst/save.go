package burst

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
)

// Save encodes a cached burst's full contents in the requested format.
// Selection of which bytes the REST collaborator actually serves is its own
// concern; this only guarantees the encoded structure is faithful to the
// burst's batches.
func (a *Assembler) Save(id string, format SaveFormat) ([]byte, error) {
	b, err := a.Preview(id)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatJSON:
		return json.Marshal(b)
	case FormatCSV:
		return saveCSV(b)
	case FormatBinary:
		return saveBinary(b)
	default:
		return nil, ErrUnsupportedFormat
	}
}

func saveCSV(b *Burst) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"timestamp_ms", "channel_id", "sample_index", "value"}); err != nil {
		return nil, err
	}
	for _, batch := range b.Batches {
		channelIDs := make([]uint8, 0, len(batch.Channels))
		for ch := range batch.Channels {
			channelIDs = append(channelIDs, ch)
		}
		sort.Slice(channelIDs, func(i, j int) bool { return channelIDs[i] < channelIDs[j] })
		for _, ch := range channelIDs {
			for i, v := range batch.Channels[ch] {
				row := []string{
					fmt.Sprintf("%d", batch.TimestampMs),
					fmt.Sprintf("%d", ch),
					fmt.Sprintf("%d", i),
					fmt.Sprintf("%f", v),
				}
				if err := w.Write(row); err != nil {
					return nil, err
				}
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// saveBinary writes a minimal self-describing layout: per batch,
// timestamp_ms(4) | channel_count(1) then per channel channel_id(1) |
// sample_count(4) | samples (4 bytes each, IEEE754 LE).
func saveBinary(b *Burst) ([]byte, error) {
	var buf bytes.Buffer
	for _, batch := range b.Batches {
		if err := binary.Write(&buf, binary.LittleEndian, batch.TimestampMs); err != nil {
			return nil, err
		}
		channelIDs := make([]uint8, 0, len(batch.Channels))
		for ch := range batch.Channels {
			channelIDs = append(channelIDs, ch)
		}
		sort.Slice(channelIDs, func(i, j int) bool { return channelIDs[i] < channelIDs[j] })
		buf.WriteByte(byte(len(channelIDs)))
		for _, ch := range channelIDs {
			samples := batch.Channels[ch]
			buf.WriteByte(ch)
			if err := binary.Write(&buf, binary.LittleEndian, uint32(len(samples))); err != nil {
				return nil, err
			}
			for _, v := range samples {
				if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
					return nil, err
				}
			}
		}
	}
	return buf.Bytes(), nil
}
