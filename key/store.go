package key

import (
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/drand/kyber/share"

	"github.com/shardnet/shardnet/crypto"
)

// Store abstracts the loading and saving of the node's durable key material.
type Store interface {
	SaveKeyPair(p *Pair) error
	LoadKeyPair() (*Pair, error)
	SaveShare(s *Share) error
	LoadShare() (*Share, error)
}

const (
	keyFolderName  = "key"
	keyFileName    = "node_identity"
	shareFileName  = "section_share"
	privateExt     = ".private"
	publicExt      = ".public"
	storeDirPerm   = 0o700
	storeFilePerm  = 0o600
	publicFilePerm = 0o644
)

type fileStore struct {
	baseFolder     string
	privateKeyFile string
	publicKeyFile  string
	shareFile      string
	scheme         *crypto.Scheme
}

// NewFileStore creates the key folder and its parents when missing. An
// existing folder is reused as it is; its permissions are not checked.
func NewFileStore(baseFolder string, sch *crypto.Scheme) (Store, error) {
	folder := path.Join(baseFolder, keyFolderName)
	if err := os.MkdirAll(folder, storeDirPerm); err != nil {
		return nil, err
	}
	return &fileStore{
		baseFolder:     folder,
		privateKeyFile: path.Join(folder, keyFileName+privateExt),
		publicKeyFile:  path.Join(folder, keyFileName+publicExt),
		shareFile:      path.Join(folder, shareFileName+privateExt),
		scheme:         sch,
	}, nil
}

// PairTOML is the TOML-able version of a private key pair.
type PairTOML struct {
	Key    string
	DkgKey string
}

// PublicTOML is the TOML-able version of a public identity.
type PublicTOML struct {
	Address   string
	Key       string
	DkgKey    string
	Signature string
}

// ShareTOML is the TOML representation of a BLS key share.
type ShareTOML struct {
	Index   int
	Share   string
	Commits []string
}

func (f *fileStore) SaveKeyPair(p *Pair) error {
	private, err := p.Key.MarshalBinary()
	if err != nil {
		return err
	}
	pt := &PairTOML{
		Key:    fmt.Sprintf("%x", private),
		DkgKey: ScalarToString(p.DkgKey),
	}
	if err := writeTOML(f.privateKeyFile, pt, storeFilePerm); err != nil {
		return err
	}
	pub := &PublicTOML{
		Address:   p.Public.Addr,
		Key:       PointToString(p.Public.Key),
		DkgKey:    fmt.Sprintf("%x", p.Public.DkgKey),
		Signature: fmt.Sprintf("%x", p.Public.Signature),
	}
	return writeTOML(f.publicKeyFile, pub, publicFilePerm)
}

func (f *fileStore) LoadKeyPair() (*Pair, error) {
	pt := new(PairTOML)
	if _, err := toml.DecodeFile(f.privateKeyFile, pt); err != nil {
		return nil, err
	}
	var private []byte
	if _, err := fmt.Sscanf(pt.Key, "%x", &private); err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	ed := crypto.NewNodeKey()
	if err := ed.UnmarshalBinary(private); err != nil {
		return nil, err
	}
	dkgKey, err := StringToScalar(f.scheme.KeyGroup, pt.DkgKey)
	if err != nil {
		return nil, fmt.Errorf("decoding participation key: %w", err)
	}

	pub := new(PublicTOML)
	if _, err := toml.DecodeFile(f.publicKeyFile, pub); err != nil {
		return nil, err
	}
	id := &Identity{Key: ed.Public, Addr: pub.Address}
	if _, err := fmt.Sscanf(pub.DkgKey, "%x", &id.DkgKey); err != nil {
		return nil, fmt.Errorf("decoding public participation key: %w", err)
	}
	if _, err := fmt.Sscanf(pub.Signature, "%x", &id.Signature); err != nil {
		return nil, fmt.Errorf("decoding identity signature: %w", err)
	}
	p := &Pair{Key: ed, DkgKey: dkgKey, Public: id}
	if err := id.ValidSignature(); err != nil {
		return nil, fmt.Errorf("loaded identity has invalid self-signature: %w", err)
	}
	return p, nil
}

func (f *fileStore) SaveShare(s *Share) error {
	st := &ShareTOML{
		Index:   s.Share.I,
		Share:   ScalarToString(s.Share.V),
		Commits: make([]string, len(s.Commits)),
	}
	for i, c := range s.Commits {
		st.Commits[i] = PointToString(c)
	}
	return writeTOML(f.shareFile, st, storeFilePerm)
}

func (f *fileStore) LoadShare() (*Share, error) {
	st := new(ShareTOML)
	if _, err := toml.DecodeFile(f.shareFile, st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoShare
		}
		return nil, err
	}
	s := &Share{Scheme: f.scheme}
	return s, s.fromTOML(st)
}

func (s *Share) fromTOML(t *ShareTOML) error {
	s.Commits = nil
	for i, c := range t.Commits {
		p, err := StringToPoint(s.Scheme.KeyGroup, c)
		if err != nil {
			return fmt.Errorf("share commit %d corrupted: %w", i, err)
		}
		s.Commits = append(s.Commits, p)
	}
	v, err := StringToScalar(s.Scheme.KeyGroup, t.Share)
	if err != nil {
		return fmt.Errorf("share value corrupted: %w", err)
	}
	s.Share = &share.PriShare{I: t.Index, V: v}
	return nil
}

func writeTOML(filePath string, value interface{}, perm os.FileMode) error {
	fd, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(value)
}
