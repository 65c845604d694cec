// Package metainfo decodes bencoded .torrent files into the fields the
// rest of the client needs: info-hash, piece hashes, and file layout.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"
)

const HashSize = 20

// FileEntry is one destination file within the torrent's concatenated
// byte array.
type FileEntry struct {
	Path   []string
	Length int64
	Offset int64
}

// rawInfo mirrors the bencoded `info` dictionary.
type rawInfo struct {
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length,omitempty"`
	Files       []rawEntry `bencode:"files,omitempty"`
	Private     int        `bencode:"private,omitempty"`
}

type rawEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawTorrent struct {
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Comment      string     `bencode:"comment,omitempty"`
	CreatedBy    string     `bencode:"created by,omitempty"`
	CreationDate int64      `bencode:"creation date,omitempty"`
	Info         rawInfo    `bencode:"info"`
}

// Metainfo is the decoded, client-ready view of a .torrent file.
type Metainfo struct {
	Name         string
	Announce     string
	AnnounceList [][]string
	Comment      string
	CreatedBy    string
	InfoHash     [HashSize]byte
	PieceLength  int64
	PieceHashes  [][HashSize]byte
	TotalLength  int64
	Files        []FileEntry
	Private      bool
}

// Load reads and parses a .torrent file from path.
func Load(path string) (*Metainfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: opening %q: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a bencoded .torrent document from r.
func Decode(r io.Reader) (*Metainfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading: %w", err)
	}

	var raw rawTorrent
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decoding: %w", err)
	}

	infoBytes, err := extractInfoDictBytes(data)
	if err != nil {
		return nil, err
	}
	infoHash := sha1.Sum(infoBytes)

	pieceHashes, err := splitPieceHashes(raw.Info.Pieces)
	if err != nil {
		return nil, err
	}

	m := &Metainfo{
		Name:         raw.Info.Name,
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		Comment:      raw.Comment,
		CreatedBy:    raw.CreatedBy,
		InfoHash:     infoHash,
		PieceLength:  raw.Info.PieceLength,
		PieceHashes:  pieceHashes,
		Private:      raw.Info.Private != 0,
	}

	m.Files, m.TotalLength = buildFiles(raw.Info)

	if m.PieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: piece length must be positive")
	}

	return m, nil
}

// extractInfoDictBytes locates the raw bencoded bytes of the "info" key's
// value within the torrent file, so the info-hash can be computed over
// exactly what the file contains rather than a re-encoding of our parsed
// struct (which could drop unknown keys or disagree on field order).
func extractInfoDictBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("metainfo: no \"4:info\" key found")
	}
	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; {
		case b == 'd' || b == 'l':
			depth++
		case b == 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case b == 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("metainfo: unterminated integer at byte %d", i)
			}
			i = j
		case b >= '0' && b <= '9':
			j := i
			for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
			}
			if j < len(data) && data[j] == ':' {
				length, err := strconv.Atoi(string(data[i:j]))
				if err != nil {
					return nil, fmt.Errorf("metainfo: invalid string length at byte %d: %w", i, err)
				}
				i = j + length
			}
		}
	}
	return nil, fmt.Errorf("metainfo: unterminated info dictionary")
}

func splitPieceHashes(pieces string) ([][HashSize]byte, error) {
	if len(pieces)%HashSize != 0 {
		return nil, fmt.Errorf("metainfo: pieces string length %d not a multiple of %d", len(pieces), HashSize)
	}
	count := len(pieces) / HashSize
	hashes := make([][HashSize]byte, count)
	for i := 0; i < count; i++ {
		copy(hashes[i][:], pieces[i*HashSize:(i+1)*HashSize])
	}
	return hashes, nil
}

func buildFiles(info rawInfo) ([]FileEntry, int64) {
	if len(info.Files) == 0 {
		return []FileEntry{{
			Path:   []string{info.Name},
			Length: info.Length,
			Offset: 0,
		}}, info.Length
	}

	files := make([]FileEntry, 0, len(info.Files))
	var offset int64
	for _, fe := range info.Files {
		files = append(files, FileEntry{
			Path:   fe.Path,
			Length: fe.Length,
			Offset: offset,
		})
		offset += fe.Length
	}
	return files, offset
}

// NumPieces returns the piece count implied by the piece-hash list.
func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLen returns the length in bytes of piece i, accounting for a
// shorter final piece.
func (m *Metainfo) PieceLen(index int) int64 {
	if index == m.NumPieces()-1 {
		last := m.TotalLength - int64(index)*m.PieceLength
		if last > 0 {
			return last
		}
	}
	return m.PieceLength
}

// AnnounceURLs flattens the single `announce` URL and the tiered
// `announce-list` into one ordered, de-duplicated list, single URL
// first.
func (m *Metainfo) AnnounceURLs() []string {
	seen := make(map[string]bool)
	var urls []string
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}

	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return urls
}
