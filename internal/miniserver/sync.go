package miniserver

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pierrec/lz4/v4"

	"github.com/nerrad567/loxrelay/internal/infrastructure/config"
)

// loxccMagic opens every LoxCC block inside the program archive.
const loxccMagic = 0xaabbccee

// programFilePattern matches versioned program archives in the FTP prog
// directory; lexical order on the names is version order.
var programFilePattern = regexp.MustCompile(`(sps_\d+_\d+\.(?:zip|LoxCC))`)

// FetchVirtualInputs retrieves the Miniserver's current program over FTP
// and returns the titles of its virtual inputs.
//
// The inventory drives whitelist synchronisation: each title, normalised,
// is a virtual input the Miniserver will actually accept. The newest
// sps_*_*.zip in the prog directory holds the active program as
// sps0.LoxCC, an LZ4-compressed XML document.
func FetchVirtualInputs(ctx context.Context, cfg config.MiniserverConfig, logger Logger) ([]string, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	archive, err := fetchProgramArchive(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	document, err := decodeProgram(archive)
	if err != nil {
		return nil, err
	}

	inputs, err := extractVirtualInputs(document)
	if err != nil {
		return nil, err
	}

	logger.Info("Fetched miniserver virtual inputs", "count", len(inputs))
	return inputs, nil
}

// fetchProgramArchive downloads the newest program archive from the
// Miniserver's FTP server.
func fetchProgramArchive(ctx context.Context, cfg config.MiniserverConfig, logger Logger) ([]byte, error) {
	addr := net.JoinHostPort(cfg.Host, "21")
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrSyncFailed, addr, err)
	}
	defer conn.Quit()

	if err := conn.Login(cfg.User, cfg.Pass); err != nil {
		return nil, fmt.Errorf("%w: ftp login: %w", ErrSyncFailed, err)
	}

	names, err := conn.NameList("prog")
	if err != nil {
		return nil, fmt.Errorf("%w: list prog: %w", ErrSyncFailed, err)
	}

	var candidates []string
	for _, name := range names {
		if match := programFilePattern.FindString(name); match != "" {
			candidates = append(candidates, match)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no program archive in prog", ErrSyncFailed)
	}

	sort.Strings(candidates)
	newest := candidates[len(candidates)-1]
	logger.Debug("Selected program archive", "file", newest)

	resp, err := conn.Retr("/prog/" + newest)
	if err != nil {
		return nil, fmt.Errorf("%w: retrieve %s: %w", ErrSyncFailed, newest, err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %w", ErrSyncFailed, newest, err)
	}

	return data, nil
}

// decodeProgram opens sps0.LoxCC inside the archive and decompresses it.
//
// LoxCC layout: magic uint32, then compressed size, uncompressed size and
// CRC32 of the uncompressed payload, all little-endian, then the LZ4 data
// as either a raw block or a framed stream.
func decodeProgram(archive []byte) ([]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("%w: open archive: %w", ErrSyncFailed, err)
	}

	file, err := reader.Open("sps0.LoxCC")
	if err != nil {
		return nil, fmt.Errorf("%w: sps0.LoxCC missing: %w", ErrSyncFailed, err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("%w: read sps0.LoxCC: %w", ErrSyncFailed, err)
	}
	if len(raw) < 16 {
		return nil, fmt.Errorf("%w: sps0.LoxCC truncated", ErrSyncFailed)
	}

	if magic := binary.LittleEndian.Uint32(raw[0:4]); magic != loxccMagic {
		return nil, fmt.Errorf("%w: bad LoxCC magic 0x%08x", ErrSyncFailed, magic)
	}
	compressedSize := binary.LittleEndian.Uint32(raw[4:8])
	uncompressedSize := binary.LittleEndian.Uint32(raw[8:12])
	checksum := binary.LittleEndian.Uint32(raw[12:16])

	payload := raw[16:]
	if uint32(len(payload)) != compressedSize {
		return nil, fmt.Errorf("%w: payload %d bytes, header says %d",
			ErrSyncFailed, len(payload), compressedSize)
	}

	document, err := decompressLZ4(payload, int(uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	if uint32(len(document)) != uncompressedSize {
		return nil, fmt.Errorf("%w: decompressed to %d bytes, header says %d",
			ErrSyncFailed, len(document), uncompressedSize)
	}
	if got := crc32.ChecksumIEEE(document); got != checksum {
		return nil, fmt.Errorf("%w: checksum 0x%08x, header says 0x%08x",
			ErrSyncFailed, got, checksum)
	}

	return document, nil
}

// decompressLZ4 handles both encodings seen in the field: framed streams
// (magic-prefixed) and raw blocks.
func decompressLZ4(payload []byte, uncompressedSize int) ([]byte, error) {
	if isLZ4Frame(payload) {
		var out bytes.Buffer
		if _, err := io.Copy(&out, lz4.NewReader(bytes.NewReader(payload))); err != nil {
			return nil, fmt.Errorf("lz4 frame: %w", err)
		}
		return out.Bytes(), nil
	}

	out := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(payload, out)
	if err != nil {
		return nil, fmt.Errorf("lz4 block: %w", err)
	}
	return out[:n], nil
}

// isLZ4Frame detects framed LZ4 streams, including legacy and skippable
// frame magics.
func isLZ4Frame(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	magic := binary.LittleEndian.Uint32(data[:4])
	return magic == 0x184D2204 || magic == 0x184C2102 ||
		(magic >= 0x184D2A50 && magic <= 0x184D2A5F)
}

// ============================================================================
// Program XML
// ============================================================================

// programNode is a generic view of the program XML tree. The document has
// no published schema; the relay only cares about component nesting, the
// Type attribute and Title attributes.
type programNode struct {
	XMLName  xml.Name
	Type     string        `xml:"Type,attr"`
	Title    string        `xml:"Title,attr"`
	Children []programNode `xml:",any"`
}

// extractVirtualInputs walks the program for C elements of type
// VirtualInCaption and collects the Title of every C element nested under
// them. Those titles are the virtual input names.
func extractVirtualInputs(document []byte) ([]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(document))
	// Program exports carry legacy single-byte encodings on occasion.
	decoder.CharsetReader = charsetReader

	var root programNode
	if err := decoder.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: parse program xml: %w", ErrSyncFailed, err)
	}

	var titles []string
	var walk func(node programNode)

	collect := func(node programNode) {
		var inner func(programNode)
		inner = func(n programNode) {
			for _, child := range n.Children {
				if child.XMLName.Local == "C" && child.Title != "" {
					titles = append(titles, child.Title)
				}
				inner(child)
			}
		}
		inner(node)
	}

	walk = func(node programNode) {
		if node.XMLName.Local == "C" && node.Type == "VirtualInCaption" {
			collect(node)
			return
		}
		for _, child := range node.Children {
			walk(child)
		}
	}
	walk(root)

	return titles, nil
}

// charsetReader accepts the encodings Loxone exports actually use. The
// single-byte ones are passed through untouched: titles are matched after
// normalisation, where the distinction rarely matters, and a refused
// document is worse than a mojibake title.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch charset {
	case "", "utf-8", "UTF-8", "us-ascii", "US-ASCII",
		"iso-8859-1", "ISO-8859-1", "windows-1252":
		return input, nil
	default:
		return nil, fmt.Errorf("unsupported charset %s", strconv.Quote(charset))
	}
}
