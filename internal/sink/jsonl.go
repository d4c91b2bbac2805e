package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/wya0/ai-goofish-monitor/internal/model"
)

var unsafeFileChars = regexp.MustCompile(`[^\p{Han}a-zA-Z0-9_-]+`)

// safeFileName 把任务关键词转成安全的文件名片段。
func safeFileName(keyword string) string {
	name := unsafeFileChars.ReplaceAllString(strings.TrimSpace(keyword), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "task"
	}
	return name
}

// jsonlRecord 追加流中的一行。
type jsonlRecord struct {
	CrawlTime     string          `json:"crawl_time"`
	TaskID        uint            `json:"task_id"`
	SourceID      string          `json:"source_id"`
	Title         string          `json:"title"`
	Price         string          `json:"price"`
	ItemURL       string          `json:"item_url"`
	SellerNick    string          `json:"seller_nick,omitempty"`
	ImageURLs     []string        `json:"image_urls,omitempty"`
	Verdict       string          `json:"verdict"`
	VerdictReason string          `json:"verdict_reason,omitempty"`
	VerdictSource string          `json:"verdict_source,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// jsonlWriter 按任务追加 JSONL 数据文件。
// 文件名为 <关键词>_full_data.jsonl，写入全程持锁保证行完整。
type jsonlWriter struct {
	dir string
	mu  sync.Mutex
}

func newJSONLWriter(dir string) *jsonlWriter {
	return &jsonlWriter{dir: dir}
}

// Append 将一条商品记录追加到任务对应的数据文件。
func (w *jsonlWriter) Append(task *model.Task, item *model.Item) error {
	rec := jsonlRecord{
		CrawlTime:     time.Now().Format(time.RFC3339),
		TaskID:        task.ID,
		SourceID:      item.SourceID,
		Title:         item.Title,
		Price:         item.Price,
		ItemURL:       item.ItemURL,
		SellerNick:    item.SellerNick,
		ImageURLs:     item.ImageURLList(),
		Verdict:       item.Verdict,
		VerdictReason: item.VerdictReason,
		VerdictSource: item.VerdictSource,
	}
	if json.Valid([]byte(item.Raw)) {
		rec.Raw = json.RawMessage(item.Raw)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal jsonl record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(w.dir, safeFileName(task.Keyword)+"_full_data.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open jsonl file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append jsonl record: %w", err)
	}
	return nil
}
