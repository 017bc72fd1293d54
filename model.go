package envelope

import "fmt"

// KeyMeta identifies a key's exact metastore primary key: (id, created).
type KeyMeta struct {
	ID      string `json:"KeyId"`
	Created int64  `json:"Created"`
}

// IsLatest reports whether m refers to the "latest" sentinel (no specific
// created timestamp) rather than a fully-qualified key.
func (m KeyMeta) IsLatest() bool {
	return m.Created == 0
}

func (m KeyMeta) String() string {
	return fmt.Sprintf("KeyMeta[id=%s created=%d]", m.ID, m.Created)
}

// EnvelopeKeyRecord is the data structure persisted to the metastore: an
// encrypted key plus the metadata needed to decrypt it.
type EnvelopeKeyRecord struct {
	Revoked       bool     `json:"Revoked,omitempty"`
	ID            string   `json:"-"`
	Created       int64    `json:"Created"`
	EncryptedKey  []byte   `json:"Key"`
	ParentKeyMeta *KeyMeta `json:"ParentKeyMeta,omitempty"`
}

// DataRowRecord is the self-describing encrypted output of Session.Encrypt.
// Callers are expected to persist this value; decrypting it requires only
// the metastore and KMS used to produce it.
type DataRowRecord struct {
	Key  *EnvelopeKeyRecord
	Data []byte
}

// partition is the naming authority mapping (partitionId, serviceId,
// productId) to the stable System Key and Intermediate Key ids used as
// metastore primary keys.
type partition interface {
	SystemKeyID() string
	IntermediateKeyID() string
	IsValidIntermediateKeyID(id string) bool
}

// defaultPartition is the unsuffixed partition naming scheme.
type defaultPartition struct {
	id      string
	service string
	product string
}

func newPartition(id, service, product string) defaultPartition {
	return defaultPartition{id: id, service: service, product: product}
}

func (p defaultPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s", p.service, p.product)
}

func (p defaultPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s", p.id, p.service, p.product)
}

func (p defaultPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID()
}

// suffixedPartition appends a metastore-reported region suffix to both ids,
// used when the configured Metastore opts into region-suffixed writes (see
// RegionSuffixed) to avoid multi-region last-writer-wins collisions.
type suffixedPartition struct {
	defaultPartition
	suffix string
}

func newSuffixedPartition(id, service, product, suffix string) suffixedPartition {
	return suffixedPartition{
		defaultPartition: newPartition(id, service, product),
		suffix:           suffix,
	}
}

func (p suffixedPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s_%s", p.service, p.product, p.suffix)
}

func (p suffixedPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s_%s", p.id, p.service, p.product, p.suffix)
}

// IsValidIntermediateKeyID also accepts the partition's unsuffixed id, so rows
// stored without a region suffix are still recognized as belonging to this
// partition. Ids carrying another region's suffix are not accepted.
func (p suffixedPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID() || id == p.defaultPartition.IntermediateKeyID()
}

// RegionSuffixed is implemented by Metastore backends that support
// region-suffixed writes for multi-region last-writer-wins stores (see
// SPEC_FULL.md §4.7a). SessionFactory type-asserts its configured Metastore
// against this interface.
type RegionSuffixed interface {
	GetRegionSuffix() string
}
