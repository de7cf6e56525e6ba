package federation

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/jsonld"
	"github.com/lowfreq/tremolo/util"
)

var mrfLog = log.WithPrefix("mrf")

// Verdict is the outcome of one MRF policy.
type Verdict int

const (
	// VerdictSkip means the policy does not apply; the payload passes
	// through unchanged.
	VerdictSkip Verdict = iota
	// VerdictContinue passes a possibly rewritten payload to the next
	// policy.
	VerdictContinue
	// VerdictDiscard drops the payload. The chain short-circuits.
	VerdictDiscard
)

// Policy inspects an inbound or outbound payload. Sender is the
// authenticated actor fid, empty for unauthenticated contexts such as
// fetch pre-checks.
type Policy func(payload jsonld.Doc, sender string) (Verdict, jsonld.Doc)

type mrfEntry struct {
	name   string
	policy Policy
}

// Chain is an ordered list of named policies. Policies run in
// registration order; the first discard wins. Chains are assembled at
// startup and must not be mutated afterwards.
type Chain struct {
	entries []mrfEntry
}

func (c *Chain) Register(name string, p Policy) {
	c.entries = append(c.entries, mrfEntry{name: name, policy: p})
}

// Apply runs the chain. A discard returns ErrBlocked; otherwise the
// final (possibly rewritten) payload is returned.
func (c *Chain) Apply(payload jsonld.Doc, sender string) (jsonld.Doc, error) {
	if c == nil {
		return payload, nil
	}
	for _, e := range c.entries {
		verdict, rewritten := e.policy(payload, sender)
		switch verdict {
		case VerdictDiscard:
			mrfLog.Infof("policy %q discarded payload id=%s sender=%s",
				e.name, jsonld.GetString(payload, "id"), sender)
			return nil, fmt.Errorf("%w: mrf policy %q", ErrBlocked, e.name)
		case VerdictContinue:
			if rewritten != nil {
				payload = rewritten
			}
		}
	}
	return payload, nil
}

// CheckURL runs the chain against a bare identifier, the shape used for
// fetch pre-checks.
func (c *Chain) CheckURL(url string) error {
	_, err := c.Apply(jsonld.Doc{"id": url}, "")
	return err
}

// mediaActivity reports whether the payload carries audio content, the
// subject of reject_media policies.
func mediaActivity(payload jsonld.Doc) bool {
	if jsonld.GetString(payload, "type") == "Audio" {
		return true
	}
	return jsonld.GetString(payload, "object.type") == "Audio"
}

// InstancePoliciesPolicy builds the default inbox policy from stored
// InstancePolicy rows: a payload whose id, sender, or their hosts match
// an active block_all rule is discarded, as is media matched by a
// reject_media rule.
func InstancePoliciesPolicy(database *db.DB) Policy {
	return func(payload jsonld.Doc, sender string) (Verdict, jsonld.Doc) {
		policies, err := database.ReadActivePolicies()
		if err != nil {
			mrfLog.Errorf("failed to load instance policies: %v", err)
			return VerdictSkip, nil
		}
		if len(policies) == 0 {
			return VerdictSkip, nil
		}
		ids := collectIdentifiers(payload, sender)
		isMedia := mediaActivity(payload)
		for _, p := range policies {
			if !policyMatches(p, ids) {
				continue
			}
			if p.BlockAll {
				return VerdictDiscard, nil
			}
			if p.RejectMedia && isMedia {
				return VerdictDiscard, nil
			}
		}
		return VerdictSkip, nil
	}
}

// AllowListPolicy discards payloads whose identifiers point at domains
// not marked allowed. Active only in allow-list federation mode.
func AllowListPolicy(database *db.DB) Policy {
	return func(payload jsonld.Doc, sender string) (Verdict, jsonld.Doc) {
		allowed := make(map[string]bool)
		domains, err := database.ReadAllDomains()
		if err != nil {
			mrfLog.Errorf("failed to load domains: %v", err)
			return VerdictDiscard, nil
		}
		for _, d := range domains {
			if d.Allowed {
				allowed[d.Name] = true
			}
		}
		for _, id := range collectIdentifiers(payload, sender) {
			host, err := util.ExtractDomain(id)
			if err != nil {
				continue
			}
			if !allowed[host] {
				return VerdictDiscard, nil
			}
		}
		return VerdictSkip, nil
	}
}

// SeedAllowList marks the configured domains as allowed, creating their
// rows on first run. Called at startup when allow-list federation is on.
func SeedAllowList(database *db.DB, names []string) error {
	for _, name := range names {
		if err := database.EnsureDomain(name, true); err != nil {
			return err
		}
		if err := database.UpdateDomainAllowed(name, true); err != nil {
			return err
		}
	}
	return nil
}

// EnactInstancePolicy stores a moderation rule and applies its
// immediate consequences: activating a block_all rule purges everything
// already held from the target.
func EnactInstancePolicy(database *db.DB, p domain.InstancePolicy) (int64, error) {
	id, err := database.CreateInstancePolicy(p)
	if err != nil {
		return 0, err
	}
	if !p.IsActive || !p.BlockAll {
		return id, nil
	}
	if p.TargetActorFid != "" {
		mrfLog.Infof("purging blocked actor %s", p.TargetActorFid)
		return id, database.PurgeActor(p.TargetActorFid)
	}
	if p.TargetDomain != "" {
		mrfLog.Infof("purging blocked domain %s", p.TargetDomain)
		return id, database.PurgeDomain(p.TargetDomain)
	}
	return id, nil
}

// collectIdentifiers gathers the federation ids a moderation rule can
// match against: the payload id, the actor, and the sender.
func collectIdentifiers(payload jsonld.Doc, sender string) []string {
	var ids []string
	if id := jsonld.GetString(payload, "id"); id != "" {
		ids = append(ids, id)
	}
	if v, ok := payload["actor"]; ok {
		if id := jsonld.FirstID(v); id != "" {
			ids = append(ids, id)
		}
	}
	if sender != "" {
		ids = append(ids, sender)
	}
	return ids
}

func policyMatches(p domain.InstancePolicy, ids []string) bool {
	for _, id := range ids {
		if p.TargetActorFid != "" && id == p.TargetActorFid {
			return true
		}
		if p.TargetDomain != "" {
			if host, err := util.ExtractDomain(id); err == nil {
				if strings.EqualFold(host, p.TargetDomain) {
					return true
				}
			}
		}
	}
	return false
}
