package corevosync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/members_backend/models"
	"bitbucket.org/mmdatafocus/members_backend/utils"
)

// SourceRecord keeps payload fields as raw JSON so that a missing key
// and an explicit null stay distinguishable. A missing key leaves the
// local column untouched; a null clears it.
type SourceRecord map[string]json.RawMessage

func decodeSourceRecord(raw json.RawMessage) (SourceRecord, error) {
	var rec SourceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r SourceRecord) NaturalKey() string {
	raw, ok := r["id"]
	if !ok {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return strings.TrimSpace(id)
}

func (r SourceRecord) ModifiedAt() (*time.Time, error) {
	raw, ok := r["modified_at"]
	if !ok || isJSONNull(raw) {
		return nil, nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// stringField reads a plain string payload field, "" when absent or null.
func (r SourceRecord) stringField(key string) string {
	raw, ok := r[key]
	if !ok || isJSONNull(raw) {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func (r SourceRecord) stringListField(key string) []string {
	raw, ok := r[key]
	if !ok || isJSONNull(raw) {
		return nil
	}
	var v []string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func isJSONNull(raw json.RawMessage) bool {
	return string(bytesThatMatter(raw)) == "null"
}

func bytesThatMatter(raw json.RawMessage) []byte {
	return []byte(strings.TrimSpace(string(raw)))
}

// buildAssignments turns a source record into a column assignment map.
// Only keys present in the payload produce assignments, so partial
// records never wipe columns the source chose not to send.
func buildAssignments(spec classSpec, rec SourceRecord) (map[string]interface{}, error) {
	assign := map[string]interface{}{}
	for _, f := range spec.Fields {
		raw, ok := rec[f.Source]
		if !ok {
			continue
		}
		if isJSONNull(raw) {
			assign[f.Column] = nil
			continue
		}
		v, err := decodeFieldValue(f, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Source, err)
		}
		assign[f.Column] = v
	}
	return assign, nil
}

func decodeFieldValue(f fieldSpec, raw json.RawMessage) (interface{}, error) {
	switch f.Kind {
	case fieldString:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return strings.TrimSpace(v), nil
	case fieldPhone:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return utils.NormalizePhoneNumber(v, ""), nil
	case fieldEmail:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		v = strings.TrimSpace(v)
		if v != "" && !utils.IsValidEmail(v) {
			return nil, fmt.Errorf("invalid email %q", v)
		}
		return v, nil
	case fieldBool:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case fieldDecimal:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			var s string
			if err2 := json.Unmarshal(raw, &s); err2 != nil {
				return nil, err
			}
			n = json.Number(s)
		}
		d, err := utils.ParseDecimal(n.String())
		if err != nil {
			return nil, err
		}
		return d, nil
	case fieldTime:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			t, err = time.Parse("2006-01-02", v)
			if err != nil {
				return nil, err
			}
		}
		return t, nil
	case fieldStringList:
		var v []string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return models.StringList(v), nil
	}
	return nil, fmt.Errorf("unknown field kind %d", f.Kind)
}

// buildPushPayload maps a local row, as scanned into a generic map, back
// into source payload fields for a PATCH.
func buildPushPayload(spec classSpec, row map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{}
	for _, f := range spec.Fields {
		v, ok := row[f.Column]
		if !ok {
			continue
		}
		payload[f.Source] = pushValue(f, v)
	}
	return payload
}

func pushValue(f fieldSpec, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch f.Kind {
	case fieldBool:
		switch t := v.(type) {
		case bool:
			return t
		case int64:
			return t != 0
		case string:
			return t == "1" || strings.EqualFold(t, "true")
		}
	case fieldDecimal:
		switch t := v.(type) {
		case decimal.Decimal:
			return t.String()
		case string:
			return t
		case float64:
			return decimal.NewFromFloat(t).String()
		}
	case fieldTime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format(time.RFC3339)
		case string:
			return t
		}
	case fieldStringList:
		switch t := v.(type) {
		case models.StringList:
			return []string(t)
		case string:
			var out []string
			if err := json.Unmarshal([]byte(t), &out); err == nil {
				return out
			}
			return t
		}
	}
	return v
}
