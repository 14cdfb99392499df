package soe

import (
	"strings"

	"github.com/datumfab/datum/pkg/contracts"
)

// RenderWhy produces the human-readable explanation attached to a
// decision. The format is fixed and locale-independent:
//
//	industry[/hardware_class]: summary (cite1; cite2)
func RenderWhy(industry, hardwareClass string, why contracts.Why) string {
	var b strings.Builder
	b.WriteString(industry)
	if hardwareClass != "" {
		b.WriteString("/")
		b.WriteString(hardwareClass)
	}
	b.WriteString(": ")
	b.WriteString(why.Summary)
	if len(why.Citations) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(why.Citations, "; "))
		b.WriteString(")")
	}
	return b.String()
}
