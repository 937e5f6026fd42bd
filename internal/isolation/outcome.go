package isolation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Failure kinds reported in the error_type field.
const (
	KindFileNotFound    = "FileNotFoundError"
	KindValue           = "ValueError"
	KindProcessCrashed  = "ProcessCrashed"
	KindMalformedResult = "MalformedResult"
	KindUnknown         = "Unknown"
)

// maxRecordSize bounds how much of an outcome file is read. A 512-d vector
// encodes to well under 16KB; anything near this limit is not a record.
const maxRecordSize = 4 << 20

var (
	// ErrNoRecord means the worker left no outcome file.
	ErrNoRecord = errors.New("outcome record not found")
	// ErrMalformedRecord means the file exists but is not a valid record.
	ErrMalformedRecord = errors.New("malformed outcome record")
)

// Outcome is what a worker run produced: *Success or *Failure.
type Outcome interface {
	isOutcome()
}

type Success struct {
	Embedding  []float32
	Dimensions int
	Model      string
}

type Failure struct {
	Error     string
	ErrorType string
	Traceback string
}

func (*Success) isOutcome() {}
func (*Failure) isOutcome() {}

type record struct {
	Success    *bool      `json:"success"`
	Embedding  *[]float32 `json:"embedding,omitempty"`
	Dimensions *int       `json:"dimensions,omitempty"`
	Model      string     `json:"model,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorType  string     `json:"error_type,omitempty"`
	Traceback  string     `json:"traceback,omitempty"`
}

func Marshal(o Outcome) ([]byte, error) {
	ok := true
	switch v := o.(type) {
	case *Success:
		dims := v.Dimensions
		emb := v.Embedding
		if emb == nil {
			emb = []float32{}
		}
		return json.Marshal(record{Success: &ok, Embedding: &emb, Dimensions: &dims, Model: v.Model})
	case *Failure:
		ok = false
		kind := v.ErrorType
		if kind == "" {
			kind = KindUnknown
		}
		return json.Marshal(record{Success: &ok, Error: v.Error, ErrorType: kind, Traceback: v.Traceback})
	default:
		return nil, fmt.Errorf("unsupported outcome type %T", o)
	}
}

func Unmarshal(data []byte) (Outcome, error) {
	var rec record
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after record", ErrMalformedRecord)
	}
	if rec.Success == nil {
		return nil, fmt.Errorf("%w: missing success field", ErrMalformedRecord)
	}

	if !*rec.Success {
		kind := rec.ErrorType
		if kind == "" {
			kind = KindUnknown
		}
		return &Failure{Error: rec.Error, ErrorType: kind, Traceback: rec.Traceback}, nil
	}

	if rec.Embedding == nil {
		return nil, fmt.Errorf("%w: success record without embedding", ErrMalformedRecord)
	}
	if rec.Dimensions == nil {
		return nil, fmt.Errorf("%w: success record without dimensions", ErrMalformedRecord)
	}
	return &Success{Embedding: *rec.Embedding, Dimensions: *rec.Dimensions, Model: rec.Model}, nil
}

// WriteFile writes the record next to path and renames it into place, so a
// reader sees either no file or a complete one.
func WriteFile(path string, o Outcome) error {
	data, err := Marshal(o)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

func ReadFile(path string) (Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("open record: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxRecordSize+1))
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	if len(data) > maxRecordSize {
		return nil, fmt.Errorf("%w: record exceeds %d bytes", ErrMalformedRecord, maxRecordSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrMalformedRecord)
	}
	return Unmarshal(data)
}
