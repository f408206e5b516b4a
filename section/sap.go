package section

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/key"
	"github.com/shardnet/shardnet/xorname"
)

// ElderCount is the number of elders a section aims for.
const ElderCount = 7

// Elder is one entry of a section's elder list. Index is the BLS share index
// the elder contributes signature shares with; DkgKey is the public
// participation key it runs key agreements with.
type Elder struct {
	Name   xorname.Name
	Addr   string
	Index  uint32
	DkgKey []byte
}

// SectionAuthorityProvider describes a section's authority at one generation:
// its prefix, the elder set, the BLS key-set they sign with, and the member
// roster the elders were drawn from.
type SectionAuthorityProvider struct {
	Prefix     xorname.Prefix
	Generation uint64
	Elders     []Elder
	Threshold  int
	// PublicCoeffs are the marshalled coefficients of the section's
	// distributed public key. The first coefficient is the section key.
	PublicCoeffs [][]byte
	// Members is the full roster, sorted by name so the encoding is canonical.
	Members []NodeState
}

// NewSAP assembles a provider from a member roster, the chosen elders and the
// distributed key produced by their key agreement.
func NewSAP(prefix xorname.Prefix, generation uint64, elders []Elder,
	public *key.DistPublic, threshold int, members []NodeState) *SectionAuthorityProvider {
	coeffs := make([][]byte, len(public.Coefficients))
	for i, c := range public.Coefficients {
		coeffs[i] = crypto.PointToBytes(c)
	}
	sorted := make([]NodeState, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Name, sorted[j].Name
		return a.Hex() < b.Hex()
	})
	return &SectionAuthorityProvider{
		Prefix:       prefix,
		Generation:   generation,
		Elders:       elders,
		Threshold:    threshold,
		PublicCoeffs: coeffs,
		Members:      sorted,
	}
}

// SectionKey returns the marshalled section public key.
func (s *SectionAuthorityProvider) SectionKey() []byte {
	if len(s.PublicCoeffs) == 0 {
		return nil
	}
	return s.PublicCoeffs[0]
}

// KeySetID identifies the whole key-set, not just the aggregate key. Shares
// are aggregated per (payload, key-set id).
func (s *SectionAuthorityProvider) KeySetID() []byte {
	var all []byte
	for _, c := range s.PublicCoeffs {
		all = append(all, c...)
	}
	return codec.Hash(all)
}

// DistPublic decodes the key-set coefficients into group points.
func (s *SectionAuthorityProvider) DistPublic(sch *crypto.Scheme) (*key.DistPublic, error) {
	d := &key.DistPublic{}
	for i, c := range s.PublicCoeffs {
		p := sch.KeyGroup.Point()
		if err := p.UnmarshalBinary(c); err != nil {
			return nil, fmt.Errorf("coefficient %d corrupted: %w", i, err)
		}
		d.Coefficients = append(d.Coefficients, p)
	}
	if len(d.Coefficients) == 0 {
		return nil, errors.New("provider carries no public key")
	}
	return d, nil
}

// N returns the number of elders, which is the number of key shares.
func (s *SectionAuthorityProvider) N() int {
	return len(s.Elders)
}

// IsElder reports whether the given name is in the elder set.
func (s *SectionAuthorityProvider) IsElder(name xorname.Name) bool {
	for _, e := range s.Elders {
		if e.Name == name {
			return true
		}
	}
	return false
}

// ElderNames lists the elder names in list order.
func (s *SectionAuthorityProvider) ElderNames() []xorname.Name {
	names := make([]xorname.Name, len(s.Elders))
	for i, e := range s.Elders {
		names[i] = e.Name
	}
	return names
}

// ElderAddresses lists the elder addresses in list order.
func (s *SectionAuthorityProvider) ElderAddresses() []string {
	addrs := make([]string, len(s.Elders))
	for i, e := range s.Elders {
		addrs[i] = e.Addr
	}
	return addrs
}

// Member returns the recorded state for the given name.
func (s *SectionAuthorityProvider) Member(name xorname.Name) (NodeState, bool) {
	for _, m := range s.Members {
		if m.Name == name {
			return m, true
		}
	}
	return NodeState{}, false
}

// JoinedNames lists the names of all currently joined members.
func (s *SectionAuthorityProvider) JoinedNames() []xorname.Name {
	var names []xorname.Name
	for _, m := range s.Members {
		if m.IsJoined() {
			names = append(names, m.Name)
		}
	}
	return names
}

// Validate checks the structural invariants: the threshold is reachable with
// the elder count, the provider carries a public key, and every elder is a
// joined member whose name falls under the prefix.
func (s *SectionAuthorityProvider) Validate() error {
	if s.Threshold < 1 || s.Threshold > len(s.Elders) {
		return fmt.Errorf("threshold %d unreachable with %d elders", s.Threshold, len(s.Elders))
	}
	if len(s.PublicCoeffs) == 0 {
		return errors.New("provider carries no public key")
	}
	for _, e := range s.Elders {
		m, ok := s.Member(e.Name)
		if !ok || !m.IsJoined() {
			return fmt.Errorf("elder %s is not a joined member", e.Name)
		}
		if !s.Prefix.Matches(e.Name) {
			return fmt.Errorf("elder %s outside prefix %q", e.Name, s.Prefix)
		}
	}
	return nil
}

// Bytes returns the canonical encoding that section signatures cover.
func (s *SectionAuthorityProvider) Bytes() ([]byte, error) {
	return codec.Marshal(s)
}

func (s *SectionAuthorityProvider) String() string {
	return fmt.Sprintf("SAP{%q gen=%d elders=%d}", s.Prefix, s.Generation, len(s.Elders))
}

// SignedSAP is a provider together with the threshold signature its own
// key-set produced over it.
type SignedSAP struct {
	SAP SectionAuthorityProvider
	Sig []byte
}

// Verify checks the signature against the provider's own section key.
func (s *SignedSAP) Verify(sch *crypto.Scheme) error {
	keyPoint := sch.KeyGroup.Point()
	if err := keyPoint.UnmarshalBinary(s.SAP.SectionKey()); err != nil {
		return fmt.Errorf("section key corrupted: %w", err)
	}
	msg, err := s.SAP.Bytes()
	if err != nil {
		return err
	}
	return sch.ThresholdScheme.VerifyRecovered(keyPoint, msg, s.Sig)
}
