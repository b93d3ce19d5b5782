// Copyright (c) 2026 The gsdinvoice Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package classify scores a message for "is this a financial document".
// Deterministic rules run first; only the ambiguous middle band is
// escalated to the AI double-read.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yedidya-buildfy/gsdinvoice-sub002/internal/connection"
)

// Message is the ephemeral candidate under classification. It is never
// persisted; it lives only for one classification pass.
type Message struct {
	ID          string
	ThreadID    string
	Sender      string
	Subject     string
	BodyExcerpt string

	HasListUnsubscribe bool
	Attachments        []Attachment
}

// Attachment describes one attachment on a candidate message.
type Attachment struct {
	ID       string
	Filename string
	MimeType string
	Size     int64
}

// Weights are the point values of each rule signal. Like the thresholds,
// these are heuristics carried over from the original calibration, exposed
// as data so they can be tuned without a code change.
type Weights struct {
	TrustScore        int // sender rule "trust" short-circuit
	BillingLocalPart  int
	VendorDomain      int
	PositiveKeyword   int
	NegativeKeyword   int // subtracted
	DocumentAttached  int
	AmountPattern     int
	InvoiceNumber     int
	ListUnsubPenalty  int // subtracted when List-Unsubscribe and no financial keyword
}

// DefaultWeights returns the original point values.
func DefaultWeights() Weights {
	return Weights{
		TrustScore:       95,
		BillingLocalPart: 25,
		VendorDomain:     20,
		PositiveKeyword:  20,
		NegativeKeyword:  20,
		DocumentAttached: 25,
		AmountPattern:    15,
		InvoiceNumber:    10,
		ListUnsubPenalty: 40,
	}
}

var billingLocalParts = map[string]bool{
	"billing":    true,
	"invoice":    true,
	"invoices":   true,
	"receipt":    true,
	"receipts":   true,
	"payment":    true,
	"payments":   true,
	"statement":  true,
	"statements": true,
	"checkout":   true,
}

var vendorDomains = map[string]bool{
	"stripe.com":     true,
	"paypal.com":     true,
	"paypal.co.il":   true,
	"amazon.com":     true,
	"apple.com":      true,
	"google.com":     true,
	"microsoft.com":  true,
	"github.com":     true,
	"shopify.com":    true,
	"wix.com":        true,
	"godaddy.com":    true,
	"bezeq.co.il":    true,
	"cellcom.co.il":  true,
	"partner.co.il":  true,
	"013netvision.co.il": true,
}

// Subject keywords are bilingual: the mailboxes this system serves mix
// English and Hebrew billing mail.
var positiveKeywords = []string{
	"invoice", "receipt", "payment", "billing", "statement",
	"order confirmation", "purchase", "subscription renewal",
	"חשבונית", "קבלה", "תשלום", "חיוב", "הזמנה",
}

var negativeKeywords = []string{
	"unsubscribe", "sale", "% off", "free shipping", "webinar",
	"newsletter", "limited time", "don't miss",
	"מבצע", "הנחה", "ניוזלטר",
}

var documentExtensions = map[string]bool{
	".pdf":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
}

var (
	amountPattern     = regexp.MustCompile(`[$€£₪]\s?\d[\d,]*(?:\.\d{2})?|\d[\d,]*\.\d{2}\s?(?:USD|EUR|GBP|ILS|NIS)`)
	invoiceNumPattern = regexp.MustCompile(`(?i)(?:inv[-\s]?\d+|#\s?\d{3,})`)
)

// Score computes the deterministic rule score in [0,100] plus the list of
// reasons that contributed. A matching sender rule short-circuits every
// other signal: trust yields the accept threshold score, ignore yields 0.
func (e *Engine) Score(msg Message, rules []connection.SenderRule) (int, []string) {
	sender := strings.ToLower(strings.TrimSpace(msg.Sender))
	subject := strings.ToLower(msg.Subject)

	for _, rule := range rules {
		pattern := strings.ToLower(strings.TrimSpace(rule.Pattern))
		if pattern == "" || !strings.Contains(sender, pattern) {
			continue
		}
		switch rule.Action {
		case connection.ActionTrust:
			return e.weights.TrustScore, []string{fmt.Sprintf("sender rule trust: %s", rule.Pattern)}
		case connection.ActionIgnore:
			return 0, []string{fmt.Sprintf("sender rule ignore: %s", rule.Pattern)}
		}
	}

	score := 0
	var reasons []string

	localPart, domain := splitAddress(sender)

	if billingLocalParts[localPart] {
		score += e.weights.BillingLocalPart
		reasons = append(reasons, "billing-style sender")
	}
	if vendorDomains[domain] {
		score += e.weights.VendorDomain
		reasons = append(reasons, "known vendor domain")
	}

	hasFinancialKeyword := false
	for _, kw := range positiveKeywords {
		if strings.Contains(subject, kw) {
			hasFinancialKeyword = true
			score += e.weights.PositiveKeyword
			reasons = append(reasons, "financial subject keyword: "+kw)
			break
		}
	}
	for _, kw := range negativeKeywords {
		if strings.Contains(subject, kw) {
			score -= e.weights.NegativeKeyword
			reasons = append(reasons, "promotional subject keyword: "+kw)
			break
		}
	}

	if hasDocumentAttachment(msg.Attachments) {
		score += e.weights.DocumentAttached
		reasons = append(reasons, "document-shaped attachment")
	}

	if amountPattern.MatchString(msg.Subject) {
		score += e.weights.AmountPattern
		reasons = append(reasons, "monetary amount in subject")
	}
	if invoiceNumPattern.MatchString(msg.Subject) {
		score += e.weights.InvoiceNumber
		reasons = append(reasons, "invoice number in subject")
	}

	// Bulk mail without a single financial keyword is almost never a
	// receipt, even when other weak signals fire.
	if msg.HasListUnsubscribe && !hasFinancialKeyword {
		score -= e.weights.ListUnsubPenalty
		reasons = append(reasons, "list-unsubscribe without financial keywords")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, reasons
}

// hasDocumentAttachment reports whether any attachment looks like a
// financial document (PDF or image).
func hasDocumentAttachment(atts []Attachment) bool {
	for _, a := range atts {
		if DocumentType(a.Filename, a.MimeType) != "" {
			return true
		}
	}
	return false
}

// DocumentType maps a filename/MIME pair to a supported document type, or
// "" when the attachment is not ingestible.
func DocumentType(filename, mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "application/pdf":
		return "pdf"
	case "image/jpeg", "image/png", "image/webp", "image/tiff":
		return strings.TrimPrefix(strings.ToLower(mimeType), "image/")
	}
	name := strings.ToLower(filename)
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		if documentExtensions[name[idx:]] {
			ext := strings.TrimPrefix(name[idx:], ".")
			if ext == "jpg" {
				ext = "jpeg"
			}
			return ext
		}
	}
	return ""
}

func splitAddress(addr string) (localPart, domain string) {
	// Strip a display-name wrapper if present: "Name <box@host>".
	if start := strings.LastIndex(addr, "<"); start >= 0 {
		addr = strings.TrimSuffix(addr[start+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}
