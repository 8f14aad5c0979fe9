package staging

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ScratchRef is the stage WriteStage fills before promoting it over stageRef.
func ScratchRef(stageRef string) string { return stageRef + ".next" }

// WriteStage replaces the content of stageRef with records, written in
// batches of batchSize. The batches go to a scratch stage first, so a failed
// write leaves the previous content of stageRef in place. The returned stats
// are only meaningful when err is nil.
func WriteStage(ctx context.Context, store Store, stageRef string, records []RecordEnvelope, batchSize int) (BatchStats, error) {
	var stats BatchStats
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	scratch := ScratchRef(stageRef)
	if err := store.ClearStage(ctx, scratch); err != nil {
		return stats, fmt.Errorf("clear stage %s: %w", scratch, err)
	}
	for start, seq := 0, 0; start < len(records); start, seq = start+batchSize, seq+1 {
		end := min(start+batchSize, len(records))
		res, err := store.PutBatch(ctx, &PutBatchRequest{
			StageRef: scratch,
			BatchSeq: seq,
			Records:  records[start:end],
		})
		if err != nil {
			_ = store.ClearStage(context.WithoutCancel(ctx), scratch)
			return stats, err
		}
		stats.Records += res.Stats.Records
		stats.Bytes += res.Stats.Bytes
		stats.Batches++
	}
	if err := store.PromoteStage(ctx, scratch, stageRef); err != nil {
		return stats, fmt.Errorf("promote stage %s: %w", stageRef, err)
	}
	return stats, nil
}

// ReadStage returns every record of stageRef in batch order.
func ReadStage(ctx context.Context, store Store, stageRef string) ([]RecordEnvelope, error) {
	refs, err := store.ListBatches(ctx, stageRef)
	if err != nil {
		return nil, err
	}
	var out []RecordEnvelope
	for _, ref := range refs {
		batch, err := store.GetBatch(ctx, stageRef, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// cloneEnvelopes makes a shallow copy of envelope slice to avoid mutation.
func cloneEnvelopes(in []RecordEnvelope) []RecordEnvelope {
	out := make([]RecordEnvelope, len(in))
	copy(out, in)
	return out
}

// envelopeSizeBytes approximates payload size using JSONL encoding.
func envelopeSizeBytes(records []RecordEnvelope) (int64, error) {
	buf := &bytes.Buffer{}
	if err := EncodeJSONLines(buf, records, false); err != nil {
		return 0, err
	}
	return int64(buf.Len()), nil
}

// EncodeJSONLines writes records as JSON lines, optionally gzip-compressed.
func EncodeJSONLines(w io.Writer, records []RecordEnvelope, compress bool) error {
	var writer io.Writer = w
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(w)
		writer = gz
	}

	enc := json.NewEncoder(writer)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			if gz != nil {
				_ = gz.Close()
			}
			return fmt.Errorf("encode record: %w", err)
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("flush gzip: %w", err)
		}
	}
	return nil
}

// DecodeJSONLines reads JSON lines, transparently handling gzip input.
func DecodeJSONLines(r io.Reader) ([]RecordEnvelope, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	var reader io.Reader = bytes.NewReader(data)
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		gz, gzErr := gzip.NewReader(bytes.NewReader(data))
		if gzErr != nil {
			return nil, fmt.Errorf("gzip reader: %w", gzErr)
		}
		defer gz.Close()
		reader = gz
	}

	dec := json.NewDecoder(reader)
	var records []RecordEnvelope
	for dec.More() {
		var rec RecordEnvelope
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
