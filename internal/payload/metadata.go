package payload

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MetadataVersion is the protocol version of the metadata record. Guest
// boot code rejects records with a version it does not know.
const MetadataVersion = 1

// maxMetadataSize bounds the metadata record read back from a partition
// (1 MiB; real records are a few hundred bytes).
const maxMetadataSize = 1 << 20

// ApexPayload describes one APEX partition in the metadata record.
type ApexPayload struct {
	Name              string `json:"name"`
	PartitionName     string `json:"partition_name"`
	LastUpdateSeconds uint64 `json:"last_update_seconds"`
	IsFactory         bool   `json:"is_factory"`
}

// ApkPayload names the application package partitions.
type ApkPayload struct {
	Name                 string `json:"name"`
	PayloadPartitionName string `json:"payload_partition_name"`
	IdsigPartitionName   string `json:"idsig_partition_name"`
}

// PayloadConfig is the inline payload descriptor: the binary to run and
// how many extra application packages accompany it.
type PayloadConfig struct {
	PayloadBinaryName string `json:"payload_binary_name"`
	ExtraApkCount     int    `json:"extra_apk_count"`
}

// Metadata is the record written into the first payload-disk partition.
// Exactly one of Config and ConfigPath is set.
type Metadata struct {
	Version    int            `json:"version"`
	Apexes     []ApexPayload  `json:"apexes"`
	Apk        *ApkPayload    `json:"apk,omitempty"`
	Config     *PayloadConfig `json:"config,omitempty"`
	ConfigPath string         `json:"config_path,omitempty"`
}

// WriteMetadata serializes the metadata record to w as a length-prefixed
// JSON frame: a 4-byte big-endian length followed by the JSON payload.
func WriteMetadata(w io.Writer, md *Metadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMetadata reads one length-prefixed metadata record from r.
func ReadMetadata(r io.Reader) (*Metadata, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	if length > maxMetadataSize {
		return nil, fmt.Errorf("metadata size %d exceeds maximum %d", length, maxMetadataSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	md := &Metadata{}
	if err := json.Unmarshal(data, md); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	return md, nil
}
