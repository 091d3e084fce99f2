package license

import (
	"fmt"
	"strings"
)

// Standard is one purchasable NDT standard from the product catalog.
type Standard struct {
	// Token is the short code embedded in license keys.
	Token string `json:"token"`
	// Code is the full standard designation consumers gate features on.
	Code string `json:"code"`
	// Name is the human readable title shown in the catalog view.
	Name string `json:"name"`
}

// Catalog is the fixed, process-wide set of purchasable standards. It is
// read-only reference data baked into the binary; decoding a standards
// token and rendering the purchase overview both go through it.
type Catalog struct {
	entries []Standard
	byToken map[string]Standard
	byCode  map[string]Standard
}

// NewCatalog builds a catalog from the given standards. Tokens must be
// non-empty, uppercase, and unique; the entry order is preserved and
// determines decode order.
func NewCatalog(entries []Standard) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("catalog must contain at least one standard")
	}

	c := &Catalog{
		entries: make([]Standard, len(entries)),
		byToken: make(map[string]Standard, len(entries)),
		byCode:  make(map[string]Standard, len(entries)),
	}
	copy(c.entries, entries)

	for _, std := range c.entries {
		if std.Token == "" || std.Code == "" {
			return nil, fmt.Errorf("catalog entry %q: token and code must be set", std.Name)
		}
		if std.Token != strings.ToUpper(std.Token) {
			return nil, fmt.Errorf("catalog token %q must be uppercase", std.Token)
		}
		if _, dup := c.byToken[std.Token]; dup {
			return nil, fmt.Errorf("duplicate catalog token %q", std.Token)
		}
		if _, dup := c.byCode[std.Code]; dup {
			return nil, fmt.Errorf("duplicate catalog code %q", std.Code)
		}
		c.byToken[std.Token] = std
		c.byCode[std.Code] = std
	}

	return c, nil
}

// DefaultCatalog returns the built-in ScanMaster standards catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]Standard{
		{Token: "AMS", Code: "AMS-STD-2154", Name: "Wrought aluminum products, ultrasonic inspection"},
		{Token: "ASTM", Code: "ASTM-A388", Name: "Steel forgings, ultrasonic examination"},
		{Token: "BSEN", Code: "BS-EN-10228-3", Name: "Ferritic and martensitic steel forgings"},
		{Token: "EN4", Code: "BS-EN-10228-4", Name: "Austenitic stainless steel forgings"},
		{Token: "SEP", Code: "SEP-1921", Name: "Internal soundness of steel forgings"},
		{Token: "API", Code: "API-6A", Name: "Wellhead and tree equipment"},
	})
	if err != nil {
		panic(fmt.Sprintf("built-in catalog invalid: %v", err))
	}
	return c
}

// Decode resolves a standards token into the standards it grants. Every
// catalog short code contained in the token as a substring is included, in
// catalog order. Characters that match no code are ignored; the caller
// decides whether an empty result is an error.
func (c *Catalog) Decode(standardsToken string) []Standard {
	var decoded []Standard
	for _, std := range c.entries {
		if strings.Contains(standardsToken, std.Token) {
			decoded = append(decoded, std)
		}
	}
	return decoded
}

// EncodeTokens composes the standards field of a license key from catalog
// short codes. The result is deduplicated and emitted in catalog order so
// that encode/decode round-trips are stable.
func (c *Catalog) EncodeTokens(tokens []string) (string, error) {
	want := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if _, ok := c.byToken[tok]; !ok {
			return "", fmt.Errorf("unknown standard token %q", tok)
		}
		want[tok] = true
	}
	if len(want) == 0 {
		return "", fmt.Errorf("at least one standard token required")
	}

	var b strings.Builder
	for _, std := range c.entries {
		if want[std.Token] {
			b.WriteString(std.Token)
		}
	}
	return b.String(), nil
}

// Standards returns all catalog entries in catalog order.
func (c *Catalog) Standards() []Standard {
	out := make([]Standard, len(c.entries))
	copy(out, c.entries)
	return out
}

// ByToken looks up a standard by its short code.
func (c *Catalog) ByToken(token string) (Standard, bool) {
	std, ok := c.byToken[strings.ToUpper(token)]
	return std, ok
}

// ByCode looks up a standard by its full designation.
func (c *Catalog) ByCode(code string) (Standard, bool) {
	std, ok := c.byCode[code]
	return std, ok
}

// Len returns the number of standards in the catalog.
func (c *Catalog) Len() int {
	return len(c.entries)
}
