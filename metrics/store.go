package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/TFMV/resync/pkg/core"
)

// JSONOutcomeStore appends outcomes to a JSON lines file, or prints them indented to stdout
// when FilePath is empty.
type JSONOutcomeStore struct {
	FilePath string

	mu sync.Mutex
}

func (j *JSONOutcomeStore) Name() string { return "json" }

func (j *JSONOutcomeStore) Save(o core.TaskOutcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.FilePath == "" {
		data, err := json.MarshalIndent(o, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(j.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open outcome file: %w", err)
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// SaveOutcome saves o unless ctx is already done.
func (j *JSONOutcomeStore) SaveOutcome(ctx context.Context, o core.TaskOutcome) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return j.Save(o)
	}
}

// ReadOutcomes reads a file written by JSONOutcomeStore.
func ReadOutcomes(path string) ([]core.TaskOutcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []core.TaskOutcome
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var o core.TaskOutcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			return nil, fmt.Errorf("invalid outcome line %d: %w", len(out)+1, err)
		}
		out = append(out, o)
	}
	return out, sc.Err()
}
