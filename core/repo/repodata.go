package repo

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrRepodata = errors.New("repodata invalid")

// RepoMD is the subset of repomd.xml the checks and injectors need.
type RepoMD struct {
	XMLName  xml.Name     `xml:"repomd"`
	Revision string       `xml:"revision,omitempty"`
	Data     []RepoMDData `xml:"data"`
}

type RepoMDData struct {
	Type         string       `xml:"type,attr"`
	Checksum     RepoChecksum `xml:"checksum"`
	OpenChecksum RepoChecksum `xml:"open-checksum"`
	Location     struct {
		Href string `xml:"href,attr"`
	} `xml:"location"`
	Timestamp int64 `xml:"timestamp,omitempty"`
	Size      int64 `xml:"size,omitempty"`
}

type RepoChecksum struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// ReadRepoMD parses <repodataDir>/repomd.xml.
func ReadRepoMD(repodataDir string) (*RepoMD, error) {
	raw, err := os.ReadFile(filepath.Join(repodataDir, "repomd.xml"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRepodata, err)
	}
	var md RepoMD
	if err := xml.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("%w: parse repomd.xml: %w", ErrRepodata, err)
	}
	return &md, nil
}

// CheckRepodata verifies that repomd.xml parses, lists primary metadata and
// that every referenced file exists with the recorded checksum.
func CheckRepodata(repodataDir string) error {
	md, err := ReadRepoMD(repodataDir)
	if err != nil {
		return err
	}
	if len(md.Data) == 0 {
		return fmt.Errorf("%w: %s lists no metadata", ErrRepodata, repodataDir)
	}
	root := filepath.Dir(repodataDir)
	hasPrimary := false
	for _, d := range md.Data {
		if d.Type == "primary" {
			hasPrimary = true
		}
		href := d.Location.Href
		if href == "" || strings.Contains(href, "..") {
			return fmt.Errorf("%w: %s has bad location %q", ErrRepodata, d.Type, href)
		}
		sum, err := fileChecksum(filepath.Join(root, filepath.FromSlash(href)), d.Checksum.Type)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrRepodata, d.Type, err)
		}
		if !strings.EqualFold(sum, strings.TrimSpace(d.Checksum.Value)) {
			return fmt.Errorf("%w: %s checksum mismatch for %s", ErrRepodata, d.Type, href)
		}
	}
	if !hasPrimary {
		return fmt.Errorf("%w: %s has no primary metadata", ErrRepodata, repodataDir)
	}
	return nil
}

func newHash(kind string) (hash.Hash, error) {
	switch strings.ToLower(kind) {
	case "sha256", "":
		return sha256.New(), nil
	case "sha", "sha1":
		return sha1.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "md5":
		return md5.New(), nil
	}
	return nil, fmt.Errorf("unsupported checksum type %q", kind)
}

func fileChecksum(path, kind string) (string, error) {
	h, err := newHash(kind)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
