package server

import (
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/WebChangeDetector/webchangedetector-sub002/models"
)

// selectorPrefix starts the name of every post type or taxonomy checkbox in
// the enqueue form, eg "wp_api_types_posts".
const selectorPrefix = "wp_api_"

var errInvalidSelector = errors.New("Invalid post type selection")

// formSelectors decodes the JSON blob in every wp_api_* field of form, in
// field name order. Unticked checkboxes ("" or "0") are skipped.
func formSelectors(form url.Values) ([]models.Selector, error) {
	keys := make([]string, 0, len(form))
	for k := range form {
		if strings.HasPrefix(k, selectorPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var selectors []models.Selector
	for _, k := range keys {
		for _, v := range form[k] {
			v = strings.TrimSpace(v)
			if v == "" || v == "0" {
				continue
			}
			var sel models.Selector
			if err := json.Unmarshal([]byte(v), &sel); err != nil {
				return nil, errInvalidSelector
			}
			selectors = append(selectors, sel)
		}
	}
	return selectors, nil
}

// formThreshold parses the threshold field. An empty field means 0.
func formThreshold(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}
