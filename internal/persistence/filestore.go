package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"jura/internal/conversation"
	"jura/internal/logging"
)

const (
	historyCacheSize = 128
	historyCacheTTL  = time.Minute
)

// FileStore appends one JSONL file per thread under baseDir and serves
// thread history back with an expiring LRU parse cache.
type FileStore struct {
	baseDir string
	logger  logging.Logger

	mu    sync.Mutex // serializes appends across threads; files are small
	cache *expirable.LRU[string, []TurnRecord]
}

// NewFileStore creates baseDir if needed and returns the store.
func NewFileStore(baseDir string, logger logging.Logger) (*FileStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create turn log dir: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
		logger:  logging.OrNop(logger),
		cache:   expirable.NewLRU[string, []TurnRecord](historyCacheSize, nil, historyCacheTTL),
	}, nil
}

var _ TurnSaver = (*FileStore)(nil)

// SaveTurn appends the turn to the thread's log file.
func (s *FileStore) SaveTurn(ctx context.Context, threadID, userText, assistantText string, toolCalls []conversation.ToolCall) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.threadPath(threadID)
	if err != nil {
		return err
	}

	record := TurnRecord{
		ThreadID:      threadID,
		UserText:      userText,
		AssistantText: assistantText,
		ToolCalls:     toRecords(toolCalls),
		SavedAt:       time.Now().UTC(),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal turn record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open turn log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append turn record: %w", err)
	}

	s.cache.Remove(threadID)
	s.logger.Debug("saved turn for thread %s (%d tool calls)", threadID, len(toolCalls))
	return nil
}

// History returns the persisted turns of a thread, oldest first. Results
// are cached briefly; SaveTurn invalidates the entry.
func (s *FileStore) History(ctx context.Context, threadID string) ([]TurnRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cached, ok := s.cache.Get(threadID); ok {
		return cached, nil
	}

	path, err := s.threadPath(threadID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open turn log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []TurnRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec TurnRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			s.logger.Warn("skipping corrupt turn record for thread %s: %v", threadID, err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read turn log: %w", err)
	}

	s.cache.Add(threadID, records)
	return records, nil
}

func (s *FileStore) threadPath(threadID string) (string, error) {
	if threadID == "" || strings.ContainsAny(threadID, "/\\") || strings.Contains(threadID, "..") {
		return "", fmt.Errorf("invalid thread id %q", threadID)
	}
	return filepath.Join(s.baseDir, threadID+".jsonl"), nil
}
