// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Validation Limits
// =============================================================================

const (
	// MinReasonLength is the minimum length of a proposal justification
	// after trimming whitespace.
	MinReasonLength = 10

	// MaxReasonLength bounds justification size so index records stay small.
	MaxReasonLength = 4 * 1024

	// MinSkillNameLength is the minimum skill name length.
	MinSkillNameLength = 3

	// maxMarkdownNoiseRatio is the fraction of markdown formatting
	// characters above which a reason is considered formatting noise
	// rather than a justification.
	maxMarkdownNoiseRatio = 0.20
)

// Issue codes attached to ValidationError entries.
const (
	CodeUnknownType   = "unknown_type"
	CodeBadReason     = "bad_reason"
	CodeBadSkillName  = "bad_skill_name"
	CodeUnsafeSelfMod = "unsafe_self_modification"
	CodeBadPayload    = "bad_payload"
)

var (
	// garbageSkillName matches throwaway names that should never become
	// installed skills.
	garbageSkillName = regexp.MustCompile(`(?i)^(test|testing|tmp|temp|todo|foo|bar|baz|qux|asdf|qwerty|untitled|skill|new|none|null)[0-9_-]*$`)

	// skillMarkup matches characters that indicate markup leaked into a
	// name field.
	skillMarkup = regexp.MustCompile("[<>\\[\\]{}#*`|\\\\]")
)

// isRepeatedRune reports whether a name is made of a single repeated
// character. Go's regexp rejects the backreference form (`^(.)\1+$`),
// so the check is spelled out.
func isRepeatedRune(s string) bool {
	first, size := utf8.DecodeRuneInString(s)
	if size == 0 || len(s) == size {
		return false
	}
	for _, r := range s {
		if r != first {
			return false
		}
	}
	return true
}

// =============================================================================
// Shared Validator Instance
// =============================================================================

// proposalValidate is the validator for proposal payload structs.
// Initialized in init() with the custom skill-name rule.
var proposalValidate *validator.Validate

func init() {
	proposalValidate = validator.New()
	_ = proposalValidate.RegisterValidation("skillname", validateSkillName)
}

// validateSkillName enforces the skill naming rules: minimum length, no
// markup characters, and not a known-garbage placeholder.
func validateSkillName(fl validator.FieldLevel) bool {
	return checkSkillName(fl.Field().String()) == ""
}

// checkSkillName returns an empty string for a valid name, or the rejection
// message otherwise.
func checkSkillName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "skill name is empty"
	}
	if utf8.RuneCountInString(trimmed) < MinSkillNameLength {
		return fmt.Sprintf("skill name shorter than %d characters", MinSkillNameLength)
	}
	if skillMarkup.MatchString(trimmed) {
		return "skill name contains markup characters"
	}
	if garbageSkillName.MatchString(trimmed) {
		return fmt.Sprintf("skill name %q matches a known-garbage pattern", trimmed)
	}
	if isRepeatedRune(trimmed) {
		return "skill name is a single repeated character"
	}
	return ""
}

// =============================================================================
// ValidationError
// =============================================================================

// Issue is one concrete validation finding.
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError reports why a proposal was rejected before any state was
// written. It always carries at least one Issue.
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// =============================================================================
// Proposal Input Validation
// =============================================================================

// ValidateProposalInput checks a change and its justification before any
// queue or index write occurs.
//
// # Description
//
// Runs the full creation-time validation pipeline:
//  1. Reason quality - minimum length, no leading emoji, not saturated
//     with markdown formatting noise.
//  2. Struct rules - required fields, bounds, and the skill-name rule via
//     the shared validator instance.
//  3. Variant rules - self-modifications must be explicitly marked safe.
//
// Rejection is synchronous: a non-nil return means nothing was persisted.
//
// # Outputs
//
//   - error: *ValidationError describing every finding, or nil
func ValidateProposalInput(change Change, reason string) error {
	var issues []Issue

	if msg := checkReason(reason); msg != "" {
		issues = append(issues, Issue{Field: "reason", Code: CodeBadReason, Message: msg})
	}

	if err := proposalValidate.Struct(change); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				issues = append(issues, Issue{
					Field:   strings.ToLower(fe.Field()),
					Code:    CodeBadPayload,
					Message: fmt.Sprintf("field %s fails rule %q", fe.Field(), fe.Tag()),
				})
			}
		} else {
			issues = append(issues, Issue{Field: "payload", Code: CodeBadPayload, Message: err.Error()})
		}
	}

	switch c := change.(type) {
	case NewSkillChange:
		// The struct tag already ran checkSkillName; repeat it here so the
		// issue carries the specific rejection message, not just the tag.
		if msg := checkSkillName(c.Name); msg != "" {
			issues = append(issues, Issue{Field: "name", Code: CodeBadSkillName, Message: msg})
		}
	case SelfModChange:
		if !c.Safe {
			issues = append(issues, Issue{
				Field:   "safe",
				Code:    CodeUnsafeSelfMod,
				Message: "self-modification payload is not marked safe",
			})
		}
	case ConfigChange, UpdateChange:
		// No variant rules beyond the struct tags.
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: dedupeIssues(issues)}
	}
	return nil
}

// checkReason returns an empty string for an acceptable justification, or
// the rejection message otherwise.
func checkReason(reason string) string {
	trimmed := strings.TrimSpace(reason)
	if utf8.RuneCountInString(trimmed) < MinReasonLength {
		return fmt.Sprintf("reason shorter than %d characters", MinReasonLength)
	}
	if len(trimmed) > MaxReasonLength {
		return fmt.Sprintf("reason longer than %d bytes", MaxReasonLength)
	}
	if r, _ := utf8.DecodeRuneInString(trimmed); isEmoji(r) {
		return "reason starts with an emoji"
	}
	if markdownNoiseRatio(trimmed) > maxMarkdownNoiseRatio {
		return "reason is saturated with markdown formatting"
	}
	return ""
}

// isEmoji reports whether r falls in the common emoji / pictograph blocks.
func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, emoticons, symbols
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols and dingbats
		return true
	case r == 0x2B50 || r == 0x2B55: // star, circle
		return true
	default:
		return false
	}
}

// markdownNoiseRatio returns the fraction of runes that are markdown
// formatting characters.
func markdownNoiseRatio(s string) float64 {
	if s == "" {
		return 0
	}
	var noise, total int
	for _, r := range s {
		total++
		switch r {
		case '*', '_', '`', '#', '>', '~', '[', ']', '|':
			noise++
		default:
			if unicode.Is(unicode.So, r) {
				noise++
			}
		}
	}
	return float64(noise) / float64(total)
}

func dedupeIssues(issues []Issue) []Issue {
	seen := make(map[string]bool, len(issues))
	out := issues[:0]
	for _, issue := range issues {
		key := issue.Field + "/" + issue.Code
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, issue)
	}
	return out
}
