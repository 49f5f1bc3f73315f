package models

import (
	"regexp"
	"slices"
	"strings"
)

// ModelOption is a chat model offered to the user.
type ModelOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FallbackModel is selected when no stored selection exists or the stored one is no longer offered.
const FallbackModel = "gpt-4o"

var (
	chatModelPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^gpt-4`),
		regexp.MustCompile(`^gpt-3\.5`),
		regexp.MustCompile(`^o1`),
		regexp.MustCompile(`^o3`),
		regexp.MustCompile(`^o4`),
		regexp.MustCompile(`^chatgpt`),
	}

	excludedModelPatterns = []*regexp.Regexp{
		regexp.MustCompile(`embedding`),
		regexp.MustCompile(`whisper`),
		regexp.MustCompile(`dall-e`),
		regexp.MustCompile(`tts`),
		regexp.MustCompile(`babbage`),
		regexp.MustCompile(`davinci`),
		regexp.MustCompile(`-instruct$`),
		regexp.MustCompile(`realtime`),
		regexp.MustCompile(`audio`),
		regexp.MustCompile(`search`),
		regexp.MustCompile(`transcribe`),
		regexp.MustCompile(`computer-use`),
	}

	modelPriority = map[string]int{
		"gpt-4o":        0,
		"gpt-4o-mini":   1,
		"o3":            2,
		"o3-mini":       3,
		"o1":            4,
		"o1-mini":       5,
		"o4-mini":       6,
		"gpt-4-turbo":   7,
		"gpt-4":         8,
		"gpt-3.5-turbo": 9,
	}

	modelDisplayNames = map[string]string{
		"gpt-4o":        "GPT-4o",
		"gpt-4o-mini":   "GPT-4o Mini",
		"gpt-4-turbo":   "GPT-4 Turbo",
		"gpt-4":         "GPT-4",
		"gpt-3.5-turbo": "GPT-3.5 Turbo",
		"o1":            "o1",
		"o1-mini":       "o1 Mini",
		"o1-preview":    "o1 Preview",
		"o3":            "o3",
		"o3-mini":       "o3 Mini",
		"o4-mini":       "o4 Mini",
	}
)

// IsChatModel reports whether the model id names a chat completion model.
func IsChatModel(id string) bool {
	lower := strings.ToLower(id)
	for _, p := range excludedModelPatterns {
		if p.MatchString(lower) {
			return false
		}
	}
	for _, p := range chatModelPatterns {
		if p.MatchString(lower) {
			return true
		}
	}
	return false
}

func priority(id string) int {
	if p, ok := modelPriority[id]; ok {
		return p
	}
	switch {
	case strings.HasPrefix(id, "gpt-4o"):
		return 0
	case strings.HasPrefix(id, "o3"):
		return 2
	case strings.HasPrefix(id, "o1"):
		return 4
	case strings.HasPrefix(id, "o4"):
		return 6
	case strings.HasPrefix(id, "gpt-4"):
		return 8
	case strings.HasPrefix(id, "gpt-3.5"):
		return 9
	}
	return 99
}

// SortModels returns a copy of options ordered by family priority. Within the same priority, ids sort in
// descending order so dated snapshots list newest first.
func SortModels(options []ModelOption) []ModelOption {
	sorted := slices.Clone(options)
	slices.SortStableFunc(sorted, func(a, b ModelOption) int {
		pa, pb := priority(a.ID), priority(b.ID)
		if pa != pb {
			return pa - pb
		}
		return strings.Compare(b.ID, a.ID)
	})
	return sorted
}

// DisplayName returns a human readable name for a model id.
func DisplayName(id string) string {
	if name, ok := modelDisplayNames[id]; ok {
		return name
	}
	parts := strings.Split(id, "-")
	for i, part := range parts {
		if part == "" || (part[0] >= '0' && part[0] <= '9') {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, " ")
}

// ChatModelOptions filters ids down to chat models and returns them sorted with display names.
func ChatModelOptions(ids []string) []ModelOption {
	var options []ModelOption
	for _, id := range ids {
		if !IsChatModel(id) {
			continue
		}
		options = append(options, ModelOption{ID: id, Name: DisplayName(id)})
	}
	return SortModels(options)
}

// ResolveModel returns selected if it is offered, otherwise FallbackModel if offered, otherwise the first
// option. An empty option list keeps the current selection.
func ResolveModel(selected string, options []ModelOption) string {
	if len(options) == 0 {
		return selected
	}
	has := func(id string) bool {
		return slices.ContainsFunc(options, func(o ModelOption) bool { return o.ID == id })
	}
	if has(selected) {
		return selected
	}
	if has(FallbackModel) {
		return FallbackModel
	}
	return options[0].ID
}
