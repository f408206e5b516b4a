package dkg

import (
	"errors"
	"fmt"

	"github.com/drand/kyber/share/dkg"

	"github.com/shardnet/shardnet/codec"
	"github.com/shardnet/shardnet/crypto"
	"github.com/shardnet/shardnet/wire"
)

// wire forms of the key-agreement bundles; points and scalars travel as
// their marshalled bytes.

type dealWire struct {
	ShareIndex     uint32
	EncryptedShare []byte
}

type dealBundleWire struct {
	DealerIndex uint32
	Deals       []dealWire
	Commits     [][]byte
	SessionID   []byte
	Signature   []byte
}

type responseWire struct {
	DealerIndex uint32
	Status      bool
}

type responseBundleWire struct {
	ShareIndex uint32
	Responses  []responseWire
	SessionID  []byte
	Signature  []byte
}

type justificationWire struct {
	ShareIndex uint32
	Share      []byte
}

type justificationBundleWire struct {
	DealerIndex    uint32
	Justifications []justificationWire
	SessionID      []byte
	Signature      []byte
}

func packetToMsg(id wire.DkgSessionID, p dkg.Packet) (*wire.DkgMessage, error) {
	switch inner := p.(type) {
	case *dkg.DealBundle:
		return dealToMsg(id, inner)
	case *dkg.ResponseBundle:
		return respToMsg(id, inner)
	case *dkg.JustificationBundle:
		return justifToMsg(id, inner)
	default:
		return nil, errors.New("invalid dkg packet")
	}
}

func msgToPacket(sch *crypto.Scheme, m *wire.DkgMessage) (dkg.Packet, error) {
	switch m.Phase {
	case wire.DkgPhaseDeal:
		return msgToDeal(sch, m.Bundle)
	case wire.DkgPhaseResponse:
		return msgToResp(m.Bundle)
	case wire.DkgPhaseJustification:
		return msgToJustif(sch, m.Bundle)
	default:
		return nil, fmt.Errorf("unknown dkg phase %d", m.Phase)
	}
}

func dealToMsg(id wire.DkgSessionID, d *dkg.DealBundle) (*wire.DkgMessage, error) {
	w := dealBundleWire{
		DealerIndex: d.DealerIndex,
		SessionID:   d.SessionID,
		Signature:   d.Signature,
	}
	for _, deal := range d.Deals {
		w.Deals = append(w.Deals, dealWire{
			ShareIndex:     deal.ShareIndex,
			EncryptedShare: deal.EncryptedShare,
		})
	}
	for _, coeff := range d.Public {
		w.Commits = append(w.Commits, crypto.PointToBytes(coeff))
	}
	buff, err := codec.Marshal(&w)
	if err != nil {
		return nil, err
	}
	return &wire.DkgMessage{SessionID: id, Phase: wire.DkgPhaseDeal, Bundle: buff}, nil
}

func msgToDeal(sch *crypto.Scheme, buff []byte) (*dkg.DealBundle, error) {
	var w dealBundleWire
	if err := codec.Unmarshal(buff, &w); err != nil {
		return nil, err
	}
	bundle := &dkg.DealBundle{
		DealerIndex: w.DealerIndex,
		SessionID:   w.SessionID,
		Signature:   w.Signature,
	}
	for _, c := range w.Commits {
		coeff := sch.KeyGroup.Point()
		if err := coeff.UnmarshalBinary(c); err != nil {
			return nil, fmt.Errorf("invalid public coeff: %w", err)
		}
		bundle.Public = append(bundle.Public, coeff)
	}
	for _, d := range w.Deals {
		bundle.Deals = append(bundle.Deals, dkg.Deal{
			ShareIndex:     d.ShareIndex,
			EncryptedShare: d.EncryptedShare,
		})
	}
	return bundle, nil
}

func respToMsg(id wire.DkgSessionID, r *dkg.ResponseBundle) (*wire.DkgMessage, error) {
	w := responseBundleWire{
		ShareIndex: r.ShareIndex,
		SessionID:  r.SessionID,
		Signature:  r.Signature,
	}
	for _, resp := range r.Responses {
		w.Responses = append(w.Responses, responseWire{
			DealerIndex: resp.DealerIndex,
			Status:      resp.Status,
		})
	}
	buff, err := codec.Marshal(&w)
	if err != nil {
		return nil, err
	}
	return &wire.DkgMessage{SessionID: id, Phase: wire.DkgPhaseResponse, Bundle: buff}, nil
}

func msgToResp(buff []byte) (*dkg.ResponseBundle, error) {
	var w responseBundleWire
	if err := codec.Unmarshal(buff, &w); err != nil {
		return nil, err
	}
	bundle := &dkg.ResponseBundle{
		ShareIndex: w.ShareIndex,
		SessionID:  w.SessionID,
		Signature:  w.Signature,
	}
	for _, resp := range w.Responses {
		bundle.Responses = append(bundle.Responses, dkg.Response{
			DealerIndex: resp.DealerIndex,
			Status:      resp.Status,
		})
	}
	return bundle, nil
}

func justifToMsg(id wire.DkgSessionID, j *dkg.JustificationBundle) (*wire.DkgMessage, error) {
	w := justificationBundleWire{
		DealerIndex: j.DealerIndex,
		SessionID:   j.SessionID,
		Signature:   j.Signature,
	}
	for _, just := range j.Justifications {
		buff, _ := just.Share.MarshalBinary()
		w.Justifications = append(w.Justifications, justificationWire{
			ShareIndex: just.ShareIndex,
			Share:      buff,
		})
	}
	buff, err := codec.Marshal(&w)
	if err != nil {
		return nil, err
	}
	return &wire.DkgMessage{SessionID: id, Phase: wire.DkgPhaseJustification, Bundle: buff}, nil
}

func msgToJustif(sch *crypto.Scheme, buff []byte) (*dkg.JustificationBundle, error) {
	var w justificationBundleWire
	if err := codec.Unmarshal(buff, &w); err != nil {
		return nil, err
	}
	bundle := &dkg.JustificationBundle{
		DealerIndex: w.DealerIndex,
		SessionID:   w.SessionID,
		Signature:   w.Signature,
	}
	for _, just := range w.Justifications {
		s := sch.KeyGroup.Scalar()
		if err := s.UnmarshalBinary(just.Share); err != nil {
			return nil, fmt.Errorf("invalid justification share: %w", err)
		}
		bundle.Justifications = append(bundle.Justifications, dkg.Justification{
			ShareIndex: just.ShareIndex,
			Share:      s,
		})
	}
	return bundle, nil
}
