package detection

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/metrics"
)

// Decoder incrementally decodes NDJSON detection records from a byte
// stream.
//
// Bytes are buffered as they arrive; each newline triggers a decode attempt
// on the completed line. A line that fails to decode is logged and skipped;
// the stream is never aborted for a bad line. At end of stream, Flush gives
// any partial final line (no trailing newline) one more decode attempt.
//
// Decoder is a single-stream state machine and is not safe for concurrent
// use.
type Decoder struct {
	buf     bytes.Buffer
	logger  *logrus.Logger
	skipped int
}

// NewDecoder creates a Decoder.
func NewDecoder(logger *logrus.Logger) *Decoder {
	if logger == nil {
		logger = logrus.New()
	}
	return &Decoder{logger: logger}
}

// Feed appends a chunk of stream bytes and returns the detections decoded
// from any lines the chunk completed.
func (d *Decoder) Feed(chunk []byte) []Detection {
	d.buf.Write(chunk)

	var out []Detection
	for {
		data := d.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}

		line := string(data[:idx])
		d.buf.Next(idx + 1)

		if det, ok := d.decodeLine(line); ok {
			out = append(out, det)
		}
	}
	return out
}

// Flush decodes any remaining buffered bytes as a final line. It must be
// called exactly once, at end of stream.
func (d *Decoder) Flush() []Detection {
	rest := strings.TrimSpace(d.buf.String())
	d.buf.Reset()
	if rest == "" {
		return nil
	}

	det, ok := d.decodeLine(rest)
	if !ok {
		d.logger.WithFields(logrus.Fields{
			"remainder": truncate(rest, 120),
		}).Warn("detection decoder: discarding undecodable stream remainder")
		return nil
	}
	return []Detection{det}
}

// Skipped returns the number of lines discarded so far.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// envelope carries the union of all variant fields plus the discriminator.
type envelope struct {
	Type              string  `json:"type"`
	Text              string  `json:"text"`
	Speaker           string  `json:"speaker"`
	Category          string  `json:"category"`
	Confidence        float64 `json:"confidence"`
	Description       string  `json:"description"`
	Owner             string  `json:"owner"`
	Deadline          string  `json:"deadline"`
	Completeness      float64 `json:"completeness"`
	MatchText         string  `json:"match_text"`
	MatchQuestionText string  `json:"match_question_text"`
	AnswerText        string  `json:"answer_text"`
}

func (d *Decoder) decodeLine(line string) (Detection, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		d.skip(line, "malformed JSON")
		return nil, false
	}
	if env.Type == "" {
		d.skip(line, "missing type discriminator")
		return nil, false
	}

	var det Detection
	switch env.Type {
	case TypeQuestion:
		det = Question{
			Text:       env.Text,
			Speaker:    env.Speaker,
			Category:   env.Category,
			Confidence: env.Confidence,
		}
	case TypeAction:
		det = Action{
			Description:  env.Description,
			Owner:        env.Owner,
			Deadline:     env.Deadline,
			Speaker:      env.Speaker,
			Completeness: env.Completeness,
			Confidence:   env.Confidence,
		}
	case TypeActionUpdate:
		det = ActionUpdate{
			MatchText:    env.MatchText,
			Owner:        env.Owner,
			Deadline:     env.Deadline,
			Completeness: env.Completeness,
			Confidence:   env.Confidence,
		}
	case TypeAnswer:
		det = Answer{
			MatchQuestionText: env.MatchQuestionText,
			AnswerText:        env.AnswerText,
			Speaker:           env.Speaker,
			Confidence:        env.Confidence,
		}
	default:
		d.skip(line, "unknown type discriminator")
		return nil, false
	}

	metrics.DetectionsParsed.WithLabelValues(env.Type).Inc()
	return det, true
}

func (d *Decoder) skip(line, reason string) {
	d.skipped++
	metrics.MalformedLines.Inc()
	d.logger.WithFields(logrus.Fields{
		"reason": reason,
		"line":   truncate(line, 120),
	}).Warn("detection decoder: skipping line")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
