package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hazyhaar/bluebox/capture/event"
)

// ReadTransactionLog parses a network JSONL log line by line. Unparseable
// lines are skipped; a missing file yields an empty slice so finalization
// of a session that saw no traffic still succeeds.
func ReadTransactionLog(path string) ([]event.Transaction, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("export: open transaction log: %w", err)
	}
	defer f.Close()

	var txs []event.Transaction
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var tx event.Transaction
		if json.Unmarshal(line, &tx) != nil {
			continue
		}
		txs = append(txs, tx)
	}
	if err := sc.Err(); err != nil {
		return txs, fmt.Errorf("export: read transaction log: %w", err)
	}
	return txs, nil
}

// ConsolidateTransactions collapses the transaction log into a single
// id-keyed document. A later record for the same request id wins, so a
// retried id ends with its final state. Records without an id get a
// positional key. The document is written to outPath when non-empty.
func ConsolidateTransactions(eventsPath, outPath string) (map[string]event.Transaction, error) {
	txs, err := ReadTransactionLog(eventsPath)
	if err != nil {
		return nil, err
	}
	consolidated := make(map[string]event.Transaction, len(txs))
	for i, tx := range txs {
		key := tx.RequestID
		if key == "" {
			key = fmt.Sprintf("unknown_%d", i+1)
		}
		consolidated[key] = tx
	}
	if outPath != "" {
		if err := writeJSON(outPath, consolidated); err != nil {
			return consolidated, fmt.Errorf("export: write consolidated transactions: %w", err)
		}
	}
	return consolidated, nil
}

// InteractionDoc is the consolidated interaction document: every recorded
// interaction in order plus aggregate counts.
type InteractionDoc struct {
	Interactions []event.Interaction    `json:"interactions"`
	Summary      InteractionDocSummary  `json:"summary"`
}

type InteractionDocSummary struct {
	Total  int            `json:"total"`
	ByKind map[string]int `json:"by_kind"`
	ByURL  map[string]int `json:"by_url"`
}

// ConsolidateInteractions reads the interaction JSONL log into a single
// document. Missing log or unparseable lines degrade to an empty or
// partial document, never an error stopping finalization.
func ConsolidateInteractions(eventsPath, outPath string) (InteractionDoc, error) {
	doc := InteractionDoc{
		Interactions: []event.Interaction{},
		Summary:      InteractionDocSummary{ByKind: map[string]int{}, ByURL: map[string]int{}},
	}

	f, err := os.Open(eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, writeDocIf(outPath, doc)
		}
		return doc, fmt.Errorf("export: open interaction log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec event.Interaction
		if json.Unmarshal(line, &rec) != nil {
			continue
		}
		doc.Interactions = append(doc.Interactions, rec)
		kind := rec.Kind
		if kind == "" {
			kind = "unknown"
		}
		doc.Summary.ByKind[kind]++
		url := rec.URL
		if url == "" {
			url = "unknown"
		}
		doc.Summary.ByURL[url]++
	}
	doc.Summary.Total = len(doc.Interactions)
	if err := sc.Err(); err != nil {
		return doc, fmt.Errorf("export: read interaction log: %w", err)
	}
	return doc, writeDocIf(outPath, doc)
}

func writeDocIf(outPath string, doc InteractionDoc) error {
	if outPath == "" {
		return nil
	}
	if err := writeJSON(outPath, doc); err != nil {
		return fmt.Errorf("export: write consolidated interactions: %w", err)
	}
	return nil
}

// WriteSummary persists the end-of-session summary document.
func WriteSummary(path string, summary map[string]any) error {
	if err := writeJSON(path, summary); err != nil {
		return fmt.Errorf("export: write summary: %w", err)
	}
	return nil
}
