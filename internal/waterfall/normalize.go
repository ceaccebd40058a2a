package waterfall

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer names usable in strategy config.
const (
	NormNone         = ""
	NormFold         = "fold"
	NormBusinessName = "business_name"
	NormPersonName   = "person_name"
	NormPhone        = "phone"
	NormIdentifier   = "identifier"
	NormDomain       = "domain"
)

var normalizers = map[string]func(string) string{
	NormNone:         strings.TrimSpace,
	NormFold:         Fold,
	NormBusinessName: NormalizeBusinessName,
	NormPersonName:   NormalizePersonName,
	NormPhone:        NormalizePhone,
	NormIdentifier:   NormalizeIdentifier,
	NormDomain:       NormalizeDomain,
}

// KnownNormalizer reports whether name is a registered normalizer.
func KnownNormalizer(name string) bool {
	_, ok := normalizers[name]
	return ok
}

// Normalize applies the named normalizer. Unknown names trim only.
func Normalize(name, value string) string {
	if fn, ok := normalizers[name]; ok {
		return fn(value)
	}
	return strings.TrimSpace(value)
}

var legalSuffixes = []string{
	" LLC", " L.L.C.", " L.L.C",
	" INC", " INC.", " INCORPORATED",
	" CORP", " CORP.", " CORPORATION",
	" LTD", " LTD.", " LIMITED",
	" LLP", " L.L.P.", " PLLC",
	" LP", " L.P.",
	" PC", " P.C.",
	" CO", " CO.", " COMPANY",
}

var honorifics = map[string]bool{
	"MR": true, "MRS": true, "MS": true, "DR": true,
	"JR": true, "SR": true, "II": true, "III": true,
}

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	nonDigitRe   = regexp.MustCompile(`\D`)
	nonAlnumRe   = regexp.MustCompile(`[^A-Z0-9]`)
)

var punctuation = strings.NewReplacer(
	",", "",
	".", "",
	"'", "",
	"’", "",
	"\"", "",
	"&", " AND ",
	"-", " ",
	"/", " ",
)

// Fold removes diacritics and collapses whitespace: "Peña  Café" → "Pena Cafe".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = multiSpaceRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// NormalizeBusinessName folds accents, uppercases, strips one legal suffix
// and punctuation.
func NormalizeBusinessName(name string) string {
	name = strings.ToUpper(Fold(name))
	if name == "" {
		return ""
	}
	if i := strings.Index(name, " DBA "); i > 0 {
		name = name[:i]
	}
	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}
	name = punctuation.Replace(name)
	name = multiSpaceRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// NormalizePersonName folds accents, uppercases, strips punctuation and
// honorifics.
func NormalizePersonName(name string) string {
	name = punctuation.Replace(strings.ToUpper(Fold(name)))
	parts := strings.Fields(name)
	kept := parts[:0]
	for _, p := range parts {
		if !honorifics[p] {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// NormalizePhone keeps digits and drops a leading US country code.
func NormalizePhone(phone string) string {
	d := nonDigitRe.ReplaceAllString(phone, "")
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	return d
}

// NormalizeIdentifier uppercases and keeps only letters and digits.
func NormalizeIdentifier(id string) string {
	return nonAlnumRe.ReplaceAllString(strings.ToUpper(Fold(id)), "")
}

// NormalizeDomain lowercases and strips scheme, path and a leading "www.".
func NormalizeDomain(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimPrefix(s, "www.")
}
