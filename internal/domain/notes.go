package domain

import (
	"strings"
	"unicode/utf8"
)

const (
	NotesTitle      = "Generated Notes"
	summaryMaxRunes = 280
)

type UploadResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type NoteResponse struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
}

// NotReadyResponse is the body of a non-2xx notes lookup. Status "failed"
// means the job will never produce notes.
type NotReadyResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewNoteResponse(job Job) NoteResponse {
	return NoteResponse{
		ID:       job.ID,
		Title:    NotesTitle,
		Content:  job.Content,
		Summary:  Summarize(job.Content),
		Keywords: Keywords(job.Content),
	}
}

// Summarize returns the first prose paragraph of markdown content, trimmed to
// a short preview.
func Summarize(content string) string {
	var paragraph []string
	inFence := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if trimmed == "" {
			if len(paragraph) > 0 {
				break
			}
			continue
		}
		if !isProse(trimmed) {
			if len(paragraph) > 0 {
				break
			}
			continue
		}
		paragraph = append(paragraph, trimmed)
	}

	summary := strings.Join(paragraph, " ")
	if utf8.RuneCountInString(summary) <= summaryMaxRunes {
		return summary
	}
	runes := []rune(summary)
	return strings.TrimSpace(string(runes[:summaryMaxRunes-1])) + "…"
}

func isProse(line string) bool {
	switch {
	case strings.HasPrefix(line, "#"),
		strings.HasPrefix(line, "|"),
		strings.HasPrefix(line, "$$"),
		strings.HasPrefix(line, ">"),
		strings.HasPrefix(line, "- "),
		strings.HasPrefix(line, "* "),
		strings.HasPrefix(line, "---"):
		return false
	}
	return true
}

// Keywords collects the titles of level one and two headings.
func Keywords(content string) []string {
	keywords := make([]string, 0)
	seen := make(map[string]bool)
	inFence := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}

		var title string
		switch {
		case strings.HasPrefix(trimmed, "## "):
			title = trimmed[3:]
		case strings.HasPrefix(trimmed, "# "):
			title = trimmed[2:]
		default:
			continue
		}
		title = strings.TrimSpace(strings.Trim(title, "#*_ "))
		if title == "" || seen[strings.ToLower(title)] {
			continue
		}
		seen[strings.ToLower(title)] = true
		keywords = append(keywords, title)
	}
	return keywords
}
