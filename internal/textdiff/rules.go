package textdiff

// Platform identifies which side of a migration a page belongs to. The
// legacy and migrated platforms render different structural chrome, so each
// carries its own exclude and visibility rule sets.
type Platform string

// Supported platform profiles.
const (
	PlatformLegacy   Platform = "AEM"
	PlatformMigrated Platform = "ContentStack"
)

// ExcludeRuleType selects how an ExcludeRule matches nodes.
type ExcludeRuleType string

// Supported exclude rule types.
const (
	RuleSelector     ExcludeRuleType = "selector"
	RuleTag          ExcludeRuleType = "tag"
	RuleAttrEquals   ExcludeRuleType = "attrEquals"
	RuleAttrContains ExcludeRuleType = "attrContains"
	RuleCommentRange ExcludeRuleType = "commentRange"
)

// ExcludeRule removes platform-specific structural chrome before text
// extraction. Exactly one of the match fields is used depending on Type.
type ExcludeRule struct {
	Type     ExcludeRuleType
	Value    string // selector or tag name
	Attr     string // attrEquals / attrContains
	Equals   string
	Contains string
	Start    string // commentRange markers
	End      string
}

// VisibilityRules supplements the standard hidden-element selectors with
// platform-specific class conventions.
type VisibilityRules struct {
	// HiddenClassPrefixes strips elements whose class list contains a class
	// starting with any of these prefixes.
	HiddenClassPrefixes []string
	// HiddenClassEquals strips elements whose class list contains an exact
	// match for any of these classes.
	HiddenClassEquals []string
}

var platformExcludes = map[Platform][]ExcludeRule{
	PlatformLegacy: {
		{Type: RuleSelector, Value: ".pv-slider__header"},
		{Type: RuleSelector, Value: ".pv-slider__wrapper"},
		{Type: RuleSelector, Value: ".p-st36-category-support-navigation"},
		{Type: RuleSelector, Value: ".pv-pc63-category-reference"},
		{Type: RuleSelector, Value: ".pv-n31-article-cards"},
		{Type: RuleSelector, Value: ".p-pc05v2-product-cards"},
		{Type: RuleTag, Value: "figcaption"},
		{Type: RuleTag, Value: "script"},
		{Type: RuleTag, Value: "title"},
		{Type: RuleAttrContains, Attr: "data-testid", Contains: "breadcrumb"},
		{Type: RuleCommentRange, Start: "HEADER SECTION START", End: "HEADER SECTION END"},
		{Type: RuleCommentRange, Start: "FOOTER SECTION START", End: "FOOTER SECTION END"},
	},
	PlatformMigrated: {
		{Type: RuleSelector, Value: ".navigation-bar"},
		{Type: RuleSelector, Value: ".swiper"},
		{Type: RuleTag, Value: "title"},
		{Type: RuleTag, Value: "header"},
		{Type: RuleTag, Value: "footer"},
		{Type: RuleAttrEquals, Attr: "data-testid", Equals: "newsletter-subscribe-form"},
		{Type: RuleAttrEquals, Attr: "data-testid", Equals: "support-navigation"},
		{Type: RuleAttrContains, Attr: "aria-label", Contains: "Breadcrumbs"},
		{Type: RuleAttrContains, Attr: "data-testid", Contains: "breadcrumb"},
		{Type: RuleAttrContains, Attr: "data-testid", Contains: "usp-bar"},
	},
}

var platformVisibility = map[Platform]VisibilityRules{
	PlatformLegacy: {
		HiddenClassPrefixes: []string{"u-hidden", "p-hidden", "hidden", "aem-hidden", "visuallyhidden"},
		HiddenClassEquals:   []string{"u-visually-hidden", "sr-only", "screen-reader-text"},
	},
	PlatformMigrated: {
		HiddenClassPrefixes: []string{"cs-hidden", "u-hidden", "hidden"},
		HiddenClassEquals:   []string{"visually-hidden", "sr-only"},
	},
}

// ExcludesFor returns the exclude rule set for a platform.
func ExcludesFor(p Platform) []ExcludeRule {
	return platformExcludes[p]
}

// VisibilityFor returns the visibility rule set for a platform.
func VisibilityFor(p Platform) VisibilityRules {
	return platformVisibility[p]
}
