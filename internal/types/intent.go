package types

import (
	"strings"
	"unicode"
)

// SubjectEnum, ActionEnum and CategoryEnum classify a prompt's intent.
// The classifier must map free text onto these members via a
// case-insensitive, accent-folded match; anything unrecognised falls
// back to the declared Unknown/General member.
type SubjectEnum string
type ActionEnum string
type CategoryEnum string

const (
	SubjectCode    SubjectEnum = "CODE"
	SubjectMemory  SubjectEnum = "MEMORY"
	SubjectProject SubjectEnum = "PROJECT"
	SubjectWeb     SubjectEnum = "WEB"
	SubjectUnknown SubjectEnum = "UNKNOWN"

	ActionCreate  ActionEnum = "CREATE"
	ActionFix     ActionEnum = "FIX"
	ActionExplain ActionEnum = "EXPLAIN"
	ActionPlan    ActionEnum = "PLAN"
	ActionSearch  ActionEnum = "SEARCH"
	ActionUnknown ActionEnum = "UNKNOWN"

	CategoryAnalyse CategoryEnum = "ANALYSE"
	CategoryCode    CategoryEnum = "CODE"
	CategoryAgent   CategoryEnum = "AGENT"
	CategoryPlan    CategoryEnum = "PLAN"
	CategoryGeneral CategoryEnum = "GENERAL"
)

// AllSubjects, AllActions, AllCategories list every declared enum member,
// in declaration order, for the classifier's case-insensitive match.
var (
	AllSubjects   = []SubjectEnum{SubjectCode, SubjectMemory, SubjectProject, SubjectWeb, SubjectUnknown}
	AllActions    = []ActionEnum{ActionCreate, ActionFix, ActionExplain, ActionPlan, ActionSearch, ActionUnknown}
	AllCategories = []CategoryEnum{CategoryAnalyse, CategoryCode, CategoryAgent, CategoryPlan, CategoryGeneral}
)

// foldAccents lower-cases and strips the handful of accented Latin
// characters a French-language prompt routinely carries
// (é, è, à, ç, ...), so "catégorie" and "categorie" match the same enum.
func foldAccents(s string) string {
	s = strings.ToLower(s)
	replacer := strings.NewReplacer(
		"é", "e", "è", "e", "ê", "e", "ë", "e",
		"à", "a", "â", "a", "ä", "a",
		"î", "i", "ï", "i",
		"ô", "o", "ö", "o",
		"ù", "u", "û", "u", "ü", "u",
		"ç", "c",
	)
	s = replacer.Replace(s)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MatchSubject maps free text to a SubjectEnum, falling back to Unknown.
func MatchSubject(text string) SubjectEnum {
	folded := foldAccents(text)
	for _, s := range AllSubjects {
		if folded == strings.ToLower(string(s)) {
			return s
		}
	}
	return SubjectUnknown
}

// MatchAction maps free text to an ActionEnum, falling back to Unknown.
func MatchAction(text string) ActionEnum {
	folded := foldAccents(text)
	for _, a := range AllActions {
		if folded == strings.ToLower(string(a)) {
			return a
		}
	}
	return ActionUnknown
}

// MatchCategory maps free text to a CategoryEnum, falling back to General.
func MatchCategory(text string) CategoryEnum {
	folded := foldAccents(text)
	for _, c := range AllCategories {
		if folded == strings.ToLower(string(c)) {
			return c
		}
	}
	return CategoryGeneral
}

// Intent is the classifier's verdict on a single prompt.
type Intent struct {
	Prompt   string
	Subject  SubjectEnum
	Action   ActionEnum
	Category CategoryEnum
}

// Terms returns the lower-cased, non-empty, non-generic terms of this
// intent used for intent-boosting retrieval hits: subject/action/category
// minus the "unknown"/"general" placeholders.
func (i Intent) Terms() []string {
	out := make([]string, 0, 3)
	for _, v := range []string{strings.ToLower(string(i.Subject)), strings.ToLower(string(i.Action)), strings.ToLower(string(i.Category))} {
		if v == "" || v == "unknown" || v == "general" {
			continue
		}
		out = append(out, v)
	}
	return out
}
