package split

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/brojonat/splitledger/service/db"
	"github.com/google/uuid"
)

// MaxSharesBps is the total basis points a split can distribute.
const MaxSharesBps = 10000

// Recipient roles.
const (
	RoleMerchant = "merchant"
	RolePlatform = "platform"
	RolePartner  = "partner"
)

// Resolver answers which merchant a split contract belongs to.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(store Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// BindingDiagnostics is a binding plus advisory checks of its recipient list.
// The checks are informational and never change which bindings are returned.
type BindingDiagnostics struct {
	*db.SplitBinding
	HasWalletRecipient   bool  `json:"hasWalletRecipient"`
	FirstMatchesWallet   bool  `json:"firstMatchesWallet"`
	RoleMatchesWallet    *bool `json:"roleMatchesWallet"` // nil when no recipient carries a role
	WalletRecipientCount int   `json:"walletRecipientCount"`
	TotalSharesBps       int   `json:"totalSharesBps"`
	SharesWithinLimit    bool  `json:"sharesWithinLimit"`
	Valid                bool  `json:"valid"`
}

// Diagnose computes the advisory checks for one binding.
func Diagnose(b *db.SplitBinding) BindingDiagnostics {
	d := BindingDiagnostics{SplitBinding: b}
	wallet := strings.ToLower(b.MerchantWallet)

	walletWithShares := 0
	var roleTagged, roleMatch bool
	for i, r := range b.Recipients {
		addr := strings.ToLower(r.Address)
		d.TotalSharesBps += r.SharesBps
		if addr == wallet {
			d.WalletRecipientCount++
			if r.SharesBps > 0 {
				walletWithShares++
				d.HasWalletRecipient = true
			}
			if i == 0 {
				d.FirstMatchesWallet = true
			}
		}
		if r.Role != "" {
			roleTagged = true
			if strings.EqualFold(r.Role, RoleMerchant) && addr == wallet {
				roleMatch = true
			}
		}
	}
	if roleTagged {
		d.RoleMatchesWallet = &roleMatch
	}
	d.SharesWithinLimit = d.TotalSharesBps <= MaxSharesBps
	d.Valid = d.SharesWithinLimit && d.WalletRecipientCount == 1 && walletWithShares == 1
	return d
}

// FindBindingsByAddress returns every binding for a split address across merchants.
// An address with no bindings yields an empty slice.
func (r *Resolver) FindBindingsByAddress(ctx context.Context, splitAddress string) ([]BindingDiagnostics, error) {
	split, ok := NormalizeAddress(splitAddress)
	if !ok {
		return nil, validationErrorf(CodeInvalidSplitAddress, "split address must match 0x followed by 40 hex characters")
	}
	bindings, err := r.store.ListBindingsBySplitAddress(ctx, split)
	if err != nil {
		return nil, fmt.Errorf("failed to find bindings: %w", err)
	}
	out := make([]BindingDiagnostics, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, Diagnose(b))
	}
	return out, nil
}

// UpsertBinding validates and stores a binding. Addresses are lowercased and
// a document id is generated when absent.
func (r *Resolver) UpsertBinding(ctx context.Context, b db.SplitBinding) (*db.SplitBinding, error) {
	split, merchant, err := normalizeSplitAndMerchant(b.SplitAddress, b.MerchantWallet)
	if err != nil {
		return nil, err
	}
	b.SplitAddress = split
	b.MerchantWallet = merchant
	b.BrandKey = strings.ToLower(strings.TrimSpace(b.BrandKey))
	if b.DocumentID == "" {
		b.DocumentID = uuid.NewString()
	}

	recipients := make([]db.Recipient, 0, len(b.Recipients))
	for _, rc := range b.Recipients {
		addr, ok := NormalizeAddress(rc.Address)
		if !ok {
			return nil, validationErrorf(CodeInvalidBinding, fmt.Sprintf("recipient %q is not a valid address", rc.Address))
		}
		if rc.SharesBps < 0 {
			return nil, validationErrorf(CodeInvalidBinding, "recipient shares must not be negative")
		}
		role := strings.ToLower(strings.TrimSpace(rc.Role))
		switch role {
		case "", RoleMerchant, RolePlatform, RolePartner:
		default:
			return nil, validationErrorf(CodeInvalidBinding, fmt.Sprintf("unknown recipient role %q", rc.Role))
		}
		recipients = append(recipients, db.Recipient{Address: addr, SharesBps: rc.SharesBps, Role: role})
	}
	b.Recipients = recipients

	if d := Diagnose(&b); !d.SharesWithinLimit {
		return nil, validationErrorf(CodeInvalidBinding, fmt.Sprintf("recipient shares total %d exceeds %d", d.TotalSharesBps, MaxSharesBps))
	}

	stored, err := r.store.UpsertBinding(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to store binding: %w", err)
	}
	r.logger.InfoContext(ctx, "split binding stored",
		"split", abbrev(split),
		"merchant", abbrev(merchant),
		"document_id", stored.DocumentID,
		"recipients", len(stored.Recipients),
	)
	return stored, nil
}

// BindingRef identifies a binding document.
type BindingRef struct {
	MerchantWallet string `json:"wallet"`
	DocumentID     string `json:"docId"`
}

// DuplicateGroup is a split address bound to more than one merchant document.
type DuplicateGroup struct {
	SplitAddress   string       `json:"splitAddress"`
	TotalBindings  int          `json:"totalBindings"`
	ActualMerchant string       `json:"actualMerchant"`
	ActualDocID    string       `json:"actualDocId"`
	WrongBindings  []BindingRef `json:"wrongBindings"`
}

// DedupeAction records what was done, or would be done, to one binding.
type DedupeAction struct {
	Action       string `json:"action"` // would_clear, cleared, failed
	SplitAddress string `json:"splitAddress"`
	DocumentID   string `json:"docId"`
	Wallet       string `json:"wallet"`
	Error        string `json:"error,omitempty"`
}

// DedupeResult reports a duplicate scan.
type DedupeResult struct {
	DuplicatesFound int              `json:"duplicatesFound"`
	CleanedEntries  int              `json:"cleanedEntries"`
	Groups          []DuplicateGroup `json:"groups"`
	Actions         []DedupeAction   `json:"actions"`
}

// FindDuplicates groups bindings by split address and picks the owning binding of each group.
func (r *Resolver) FindDuplicates(ctx context.Context) ([]DuplicateGroup, error) {
	bindings, err := r.store.ListAllBindings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}

	groups := make(map[string][]*db.SplitBinding)
	var order []string
	for _, b := range bindings {
		split, ok := NormalizeAddress(b.SplitAddress)
		if !ok {
			continue
		}
		if _, ok := groups[split]; !ok {
			order = append(order, split)
		}
		groups[split] = append(groups[split], b)
	}

	out := []DuplicateGroup{}
	for _, split := range order {
		list := groups[split]
		if len(list) <= 1 {
			continue
		}
		sort.SliceStable(list, func(i, j int) bool { return ownershipScore(list[i]) > ownershipScore(list[j]) })
		g := DuplicateGroup{
			SplitAddress:   split,
			TotalBindings:  len(list),
			ActualMerchant: list[0].MerchantWallet,
			ActualDocID:    list[0].DocumentID,
		}
		for _, w := range list[1:] {
			g.WrongBindings = append(g.WrongBindings, BindingRef{MerchantWallet: w.MerchantWallet, DocumentID: w.DocumentID})
		}
		out = append(out, g)
	}
	return out, nil
}

// Dedupe finds duplicate bindings and, when apply is set, deletes the non-owning ones.
// A failed delete is reported in the actions and does not stop the run.
func (r *Resolver) Dedupe(ctx context.Context, apply bool) (*DedupeResult, error) {
	groups, err := r.FindDuplicates(ctx)
	if err != nil {
		return nil, err
	}
	result := &DedupeResult{
		DuplicatesFound: len(groups),
		Groups:          groups,
		Actions:         []DedupeAction{},
	}

	for _, g := range groups {
		for _, w := range g.WrongBindings {
			action := DedupeAction{
				Action:       "would_clear",
				SplitAddress: g.SplitAddress,
				DocumentID:   w.DocumentID,
				Wallet:       w.MerchantWallet,
			}
			if apply {
				if err := r.store.DeleteBinding(ctx, w.MerchantWallet, w.DocumentID); err != nil {
					action.Action = "failed"
					action.Error = err.Error()
					r.logger.WarnContext(ctx, "failed to clear duplicate binding",
						"split", abbrev(g.SplitAddress),
						"merchant", abbrev(w.MerchantWallet),
						"error", err,
					)
				} else {
					action.Action = "cleared"
					result.CleanedEntries++
				}
			}
			result.Actions = append(result.Actions, action)
		}
	}

	r.logger.InfoContext(ctx, "duplicate binding scan complete",
		"duplicates", result.DuplicatesFound,
		"cleaned", result.CleanedEntries,
		"apply", apply,
	)
	return result, nil
}

// ownershipScore ranks how likely a binding is the real owner of its split:
// explicit role tag, then wallet among recipients, then first position, then recipient count.
func ownershipScore(b *db.SplitBinding) int {
	d := Diagnose(b)
	score := len(b.Recipients)
	if d.FirstMatchesWallet {
		score += 100
	}
	if d.HasWalletRecipient {
		score += 1000
	}
	if d.RoleMatchesWallet != nil && *d.RoleMatchesWallet {
		score += 10000
	}
	return score
}
