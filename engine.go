package envelope

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/keyweave/envelope/internal"
	"github.com/keyweave/envelope/internal/secret"
)

var (
	decryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.decrypt", MetricsPrefix), nil)
	encryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.encrypt", MetricsPrefix), nil)
)

// Verify envelopeEngine implements Encryption.
var _ Encryption = (*envelopeEngine)(nil)

// envelopeEngine implements Encrypt/Decrypt of the Data Row Record for a
// single Partition, orchestrating the SK/IK cache, the metastore, the KMS,
// and the AEAD primitive per the key hierarchy in spec §4.8.
type envelopeEngine struct {
	partition        partition
	metastore        Metastore
	kms              KeyManagementService
	policy           *CryptoPolicy
	crypto           AEAD
	secretFactory    secret.Factory
	systemKeys       cache
	intermediateKeys cache
}

// loadSystemKey fetches a known SK EKR from the metastore and decrypts it via the KMS.
func (e *envelopeEngine) loadSystemKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreFailure, err.Error())
	}

	if ekr == nil {
		return nil, errors.Wrapf(ErrNotFound, "system key %s", meta)
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

// systemKeyFromEKR decrypts ekr via the KMS and wraps the plaintext in a CryptoKey.
func (e *envelopeEngine) systemKeyFromEKR(ctx context.Context, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	raw, err := e.kms.DecryptKey(ctx, ekr.EncryptedKey)
	if err != nil {
		return nil, errors.Wrap(ErrKMSFailure, err.Error())
	}

	return internal.NewCryptoKey(e.secretFactory, ekr.Created, ekr.Revoked, raw)
}

// intermediateKeyFromEKR decrypts ekr's encrypted key under sk. If ekr's
// parent no longer matches sk (the SK rotated between load and decrypt), the
// correct parent SK is resolved first.
func (e *envelopeEngine) intermediateKeyFromEKR(ctx context.Context, sk *internal.CryptoKey, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	if ekr.ParentKeyMeta == nil {
		return nil, errors.Wrap(ErrMalformedEKR, "intermediate key EKR missing parent key meta")
	}

	if sk.Created() != ekr.ParentKeyMeta.Created {
		loaded, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
		if err != nil {
			return nil, err
		}

		sk = loaded
	}

	ikBytes, err := internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
		return e.crypto.Decrypt(ekr.EncryptedKey, skBytes)
	})
	if err != nil {
		return nil, errors.Wrap(ErrCryptoFailure, err.Error())
	}

	return internal.NewCryptoKey(e.secretFactory, ekr.Created, ekr.Revoked, ikBytes)
}

// loadLatestOrCreateSystemKey returns the latest valid SK for id, creating a
// new one if none exists or the latest is expired/revoked (spec §4.8.1).
func (e *envelopeEngine) loadLatestOrCreateSystemKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreFailure, err.Error())
	}

	if ekr != nil && !e.isEnvelopeExpiredOrRevoked(ekr) {
		return e.systemKeyFromEKR(ctx, ekr)
	}

	sk, err := e.generateKey()
	if err != nil {
		return nil, err
	}

	switch ok, err2 := e.tryStoreSystemKey(ctx, sk); {
	case ok:
		return sk, nil
	default:
		sk.Close()

		if err2 != nil {
			return nil, err2
		}
	}

	// Lost the race to create; someone else's write succeeded. Reload it.
	ekr, err = e.mustLoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

// tryStoreSystemKey encrypts sk via the KMS and attempts to persist its EKR.
// err is non-nil only if encryption itself fails; a failed store due to a
// duplicate key is reported via ok=false, err=nil.
func (e *envelopeEngine) tryStoreSystemKey(ctx context.Context, sk *internal.CryptoKey) (ok bool, err error) {
	encKey, err := internal.WithKeyFunc(sk, func(keyBytes []byte) ([]byte, error) {
		return e.kms.EncryptKey(ctx, keyBytes)
	})
	if err != nil {
		return false, errors.Wrap(ErrKMSFailure, err.Error())
	}

	ekr := &EnvelopeKeyRecord{
		ID:           e.partition.SystemKeyID(),
		Created:      sk.Created(),
		EncryptedKey: encKey,
	}

	return e.tryStore(ctx, ekr), nil
}

// createIntermediateKey generates a new IK, encrypts it under a usable SK,
// and attempts to persist it. On a lost create race it falls back to
// decrypting the row that won (spec §4.8.2, §4.8.6).
func (e *envelopeEngine) createIntermediateKey(ctx context.Context) (*internal.CryptoKey, error) {
	r := e.newSystemKeyReloader(ctx)
	defer r.Close()

	sk, err := r.GetOrLoadLatest(e.systemKeys)
	if err != nil {
		return nil, err
	}

	ik, err := e.generateKey()
	if err != nil {
		return nil, err
	}

	switch ok, err2 := e.tryStoreIntermediateKey(ctx, ik, sk); {
	case ok:
		return ik, nil
	default:
		ik.Close()

		if err2 != nil {
			return nil, err2
		}
	}

	newEkr, err := e.mustLoadLatest(ctx, e.partition.IntermediateKeyID())
	if err != nil {
		return nil, err
	}

	return e.intermediateKeyFromEKR(ctx, sk, newEkr)
}

func (e *envelopeEngine) tryStoreIntermediateKey(ctx context.Context, ik, sk *internal.CryptoKey) (ok bool, err error) {
	encBytes, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
			return e.crypto.Encrypt(ikBytes, skBytes)
		})
	})
	if err != nil {
		return false, errors.Wrap(ErrCryptoFailure, err.Error())
	}

	ekr := &EnvelopeKeyRecord{
		ID:           e.partition.IntermediateKeyID(),
		Created:      ik.Created(),
		EncryptedKey: encBytes,
		ParentKeyMeta: &KeyMeta{
			ID:      e.partition.SystemKeyID(),
			Created: sk.Created(),
		},
	}

	return e.tryStore(ctx, ekr), nil
}

// loadLatestOrCreateIntermediateKey mirrors loadLatestOrCreateSystemKey one
// layer up, also validating the loaded row's parent SK before trusting it.
func (e *envelopeEngine) loadLatestOrCreateIntermediateKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreFailure, err.Error())
	}

	if ekr == nil || e.isEnvelopeExpiredOrRevoked(ekr) {
		return e.createIntermediateKey(ctx)
	}

	if ekr.ParentKeyMeta == nil {
		return e.createIntermediateKey(ctx)
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return e.createIntermediateKey(ctx)
	}

	defer maybeCloseKey(e.policy.CacheSystemKeys, sk)

	if ik := e.validIntermediateKeyOrNil(ctx, sk, ekr); ik != nil {
		return ik, nil
	}

	return e.createIntermediateKey(ctx)
}

func (e *envelopeEngine) validIntermediateKeyOrNil(ctx context.Context, sk *internal.CryptoKey, ekr *EnvelopeKeyRecord) *internal.CryptoKey {
	if e.isKeyInvalid(sk) {
		return nil
	}

	ik, err := e.intermediateKeyFromEKR(ctx, sk, ekr)
	if err != nil {
		return nil
	}

	return ik
}

// getOrLoadSystemKey returns a cached SK for meta, loading it from the
// metastore/KMS on a miss.
func (e *envelopeEngine) getOrLoadSystemKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	loader := keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return e.loadSystemKey(ctx, meta)
	})

	return e.systemKeys.GetOrLoad(meta, loader)
}

// loadIntermediateKey fetches a known IK EKR and decrypts it via its parent SK.
func (e *envelopeEngine) loadIntermediateKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreFailure, err.Error())
	}

	if ekr == nil {
		return nil, errors.Wrapf(ErrNotFound, "intermediate key %s", meta)
	}

	if ekr.ParentKeyMeta == nil {
		return nil, errors.Wrap(ErrMalformedEKR, "intermediate key EKR missing parent key meta")
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return nil, err
	}

	defer maybeCloseKey(e.policy.CacheSystemKeys, sk)

	return e.intermediateKeyFromEKR(ctx, sk, ekr)
}

// tryStore attempts to persist ekr, swallowing store errors: per spec §4.8.6,
// a failed store is assumed to be a lost create race and the caller reloads.
func (e *envelopeEngine) tryStore(ctx context.Context, ekr *EnvelopeKeyRecord) bool {
	ok, err := e.metastore.Store(ctx, ekr.ID, ekr.Created, ekr)
	_ = err

	return ok
}

// mustLoadLatest loads the latest EKR for id, treating a miss as an error:
// used only after we've already lost a create race, so a row must exist.
func (e *envelopeEngine) mustLoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error) {
	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreFailure, err.Error())
	}

	if ekr == nil {
		return nil, errors.Wrapf(ErrNotFound, "key %s after lost create race", id)
	}

	return ekr, nil
}

func (e *envelopeEngine) generateKey() (*internal.CryptoKey, error) {
	createdAt := newKeyTimestamp(e.policy.CreateDatePrecision)
	return internal.GenerateKey(e.secretFactory, createdAt, AES256KeySize)
}

func (e *envelopeEngine) isKeyInvalid(key *internal.CryptoKey) bool {
	if key.Revoked() {
		return true
	}

	if e.policy.RotationStrategy == Queued {
		return false
	}

	return internal.IsKeyExpired(key.Created(), e.policy.ExpireKeyAfter)
}

func (e *envelopeEngine) isEnvelopeExpiredOrRevoked(ekr *EnvelopeKeyRecord) bool {
	if ekr.Revoked {
		return true
	}

	if e.policy.RotationStrategy == Queued {
		// Queued strategy: the core never forces a synchronous rotation on
		// read even if the row is past its expiry; a background rotator owns it.
		return false
	}

	return internal.IsKeyExpired(ekr.Created, e.policy.ExpireKeyAfter)
}

func maybeCloseKey(isCached bool, key *internal.CryptoKey) {
	if !isCached {
		key.Close()
	}
}

// reloader tracks every key it loads so the caller can release them all with
// one Close call, and implements keyReloader so the key cache can detect and
// transparently replace an expired/revoked "latest" entry.
type reloader struct {
	mu            sync.Mutex
	keyID         string
	loaded        []*internal.CryptoKey
	loader        keyLoader
	isInvalidFunc func(*internal.CryptoKey) bool
	isCached      bool
}

func (r *reloader) Load() (*internal.CryptoKey, error) {
	k, err := r.loader.Load()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.loaded = append(r.loaded, k)
	r.mu.Unlock()

	return k, nil
}

func (r *reloader) IsInvalid(key *internal.CryptoKey) bool {
	return r.isInvalidFunc(key)
}

func (r *reloader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.loaded {
		maybeCloseKey(r.isCached, k)
	}
}

func (r *reloader) GetOrLoadLatest(c cache) (*internal.CryptoKey, error) {
	return c.GetOrLoadLatest(r.keyID, r)
}

func (e *envelopeEngine) newSystemKeyReloader(ctx context.Context) *reloader {
	return e.newKeyReloader(e.partition.SystemKeyID(), e.policy.CacheSystemKeys,
		func() (*internal.CryptoKey, error) { return e.loadLatestOrCreateSystemKey(ctx, e.partition.SystemKeyID()) })
}

func (e *envelopeEngine) newIntermediateKeyReloader(ctx context.Context) *reloader {
	return e.newKeyReloader(e.partition.IntermediateKeyID(), e.policy.CacheIntermediateKeys,
		func() (*internal.CryptoKey, error) {
			return e.loadLatestOrCreateIntermediateKey(ctx, e.partition.IntermediateKeyID())
		})
}

func (e *envelopeEngine) newKeyReloader(id string, isCached bool, load func() (*internal.CryptoKey, error)) *reloader {
	return &reloader{
		keyID:         id,
		isCached:      isCached,
		loader:        keyLoaderFunc(load),
		isInvalidFunc: e.isKeyInvalid,
	}
}

// decryptRow decrypts drr.Data using the DRK recovered from drr.Key under ik.
func decryptRow(ik *internal.CryptoKey, drr DataRowRecord, crypto AEAD) ([]byte, error) {
	return internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		rawDRK, err := crypto.Decrypt(drr.Key.EncryptedKey, ikBytes)
		if err != nil {
			return nil, err
		}

		defer internal.MemClr(rawDRK)

		return crypto.Decrypt(drr.Data, rawDRK)
	})
}

// EncryptPayload implements Encryption (spec §4.8.3).
func (e *envelopeEngine) EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error) {
	defer encryptTimer.UpdateSince(time.Now())

	r := e.newIntermediateKeyReloader(ctx)
	defer r.Close()

	ik, err := r.GetOrLoadLatest(e.intermediateKeys)
	if err != nil {
		return nil, err
	}

	drk, err := internal.GenerateKey(e.secretFactory, time.Now().Unix(), AES256KeySize)
	if err != nil {
		return nil, err
	}

	defer drk.Close()

	encData, err := internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
		return e.crypto.Encrypt(data, drkBytes)
	})
	if err != nil {
		return nil, errors.Wrap(ErrCryptoFailure, err.Error())
	}

	encDRK, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
			return e.crypto.Encrypt(drkBytes, ikBytes)
		})
	})
	if err != nil {
		return nil, errors.Wrap(ErrCryptoFailure, err.Error())
	}

	return &DataRowRecord{
		Key: &EnvelopeKeyRecord{
			Created:      drk.Created(),
			EncryptedKey: encDRK,
			ParentKeyMeta: &KeyMeta{
				ID:      e.partition.IntermediateKeyID(),
				Created: ik.Created(),
			},
		},
		Data: encData,
	}, nil
}

// DecryptDataRowRecord implements Encryption (spec §4.8.4).
func (e *envelopeEngine) DecryptDataRowRecord(ctx context.Context, drr DataRowRecord) ([]byte, error) {
	defer decryptTimer.UpdateSince(time.Now())

	if drr.Key == nil {
		return nil, errors.Wrap(ErrMalformedEKR, "data row record key cannot be empty")
	}

	if drr.Key.ParentKeyMeta == nil {
		return nil, errors.Wrap(ErrMalformedEKR, "data row record parent key meta cannot be empty")
	}

	if !e.partition.IsValidIntermediateKeyID(drr.Key.ParentKeyMeta.ID) {
		return nil, errors.Wrap(ErrMalformedEKR, "data row record does not belong to this partition")
	}

	meta := *drr.Key.ParentKeyMeta

	loader := keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return e.loadIntermediateKey(ctx, meta)
	})

	ik, err := e.intermediateKeys.GetOrLoad(meta, loader)
	if err != nil {
		return nil, err
	}

	defer maybeCloseKey(e.policy.CacheIntermediateKeys, ik)

	plaintext, err := decryptRow(ik, drr, e.crypto)
	if err != nil {
		return nil, errors.Wrap(ErrCryptoFailure, err.Error())
	}

	return plaintext, nil
}

// Close releases all memory locked by the keys cached by this engine's
// Intermediate Key cache. The System Key cache, if shared, is released by
// the owning SessionFactory instead.
func (e *envelopeEngine) Close() error {
	return e.intermediateKeys.Close()
}
