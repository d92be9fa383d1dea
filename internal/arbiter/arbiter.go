// Package arbiter decides, for one host and one plugin, which subscription
// currently owns the host and whether a candidate's action is suppressed by
// a higher-priority policy. Pure functions only; the caller assembles the
// inputs from the store and CMDB.
package arbiter

import (
	"sort"
	"strings"
	"time"

	"github.com/basket/nodepilot/internal/store"
)

// Claim is one subscription's stake on a host for a plugin: the owning
// subscription's identity joined with the topology level at which its scope
// matched the host.
type Claim struct {
	SubscriptionID int64
	Name           string
	Category       store.SubscriptionCategory
	BkObjID        string // topology level matched, e.g. biz, set, module, host
	CreatedAt      time.Time
}

// Decision is the arbitration outcome.
type Decision struct {
	Suppressed bool
	By         *Claim // the suppressing policy, set iff Suppressed

	// Ordered is every policy claim touching the host (the candidate
	// included when it is a policy), highest priority first. The task
	// builder derives the second-priority fallback from it.
	Ordered []Claim
}

// Actions a policy suppresses when issued by a one-shot subscription.
// Stop/remove style one-shots always pass through.
var suppressedOneShotActions = map[string]struct{}{
	"INSTALL":   {},
	"REINSTALL": {},
	"UPGRADE":   {},
	"UPDATE":    {},
}

// Arbitrate applies the priority order:
//
//  1. deeper topology match wins (index in topoOrder, biz < set < module < host)
//  2. at equal depth, later (created_at, id) wins
//  3. policies dominate one-shot install/update regardless of depth
//  4. uncategorised subscriptions (debug) are never arbitrated
//
// An empty topoOrder degrades to rule 2 alone.
func Arbitrate(action string, candidate Claim, topoOrder []string, claims []Claim) Decision {
	policies := make([]Claim, 0, len(claims)+1)
	for _, c := range claims {
		if c.Category == store.CategoryPolicy && c.SubscriptionID != candidate.SubscriptionID {
			policies = append(policies, c)
		}
	}
	if candidate.Category == store.CategoryPolicy {
		policies = append(policies, candidate)
	}
	sortClaims(policies, topoOrder)

	d := Decision{Ordered: policies}

	switch candidate.Category {
	case store.CategoryPolicy:
		if len(policies) > 0 && policies[0].SubscriptionID != candidate.SubscriptionID {
			top := policies[0]
			d.Suppressed = true
			d.By = &top
		}
	case store.CategoryOnce:
		if _, managed := suppressedOneShotActions[strings.ToUpper(action)]; managed && len(policies) > 0 {
			top := policies[0]
			d.Suppressed = true
			d.By = &top
		}
	default:
		// debug and uncategorised: never suppressed.
	}
	return d
}

// SecondPriority returns the claim that should retake a host if the current
// winner is disabled: the second entry of the priority order.
func SecondPriority(ordered []Claim) *Claim {
	if len(ordered) < 2 {
		return nil
	}
	c := ordered[1]
	return &c
}

func sortClaims(claims []Claim, topoOrder []string) {
	depth := func(objID string) int {
		for i, o := range topoOrder {
			if strings.EqualFold(o, objID) {
				return i
			}
		}
		return -1
	}
	sort.SliceStable(claims, func(i, j int) bool {
		di, dj := depth(claims[i].BkObjID), depth(claims[j].BkObjID)
		if di != dj {
			return di > dj
		}
		if !claims[i].CreatedAt.Equal(claims[j].CreatedAt) {
			return claims[i].CreatedAt.After(claims[j].CreatedAt)
		}
		return claims[i].SubscriptionID > claims[j].SubscriptionID
	})
}
