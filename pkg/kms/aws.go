package kms

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	awskms "github.com/aws/aws-sdk-go/service/kms"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/keyweave/envelope"
	"github.com/keyweave/envelope/internal"
	"github.com/keyweave/envelope/pkg/log"
)

var (
	_ envelope.KeyManagementService = (*AWSKMS)(nil)

	clientFactory = awskms.New

	generateDataKeyFunc   = generateDataKey
	encryptAllRegionsFunc = encryptAllRegions

	encryptKeyTimer = metrics.GetOrRegisterTimer(envelope.MetricsPrefix+".kms.aws.encryptkey", nil)
	decryptKeyTimer = metrics.GetOrRegisterTimer(envelope.MetricsPrefix+".kms.aws.decryptkey", nil)
)

// kmsClient is implemented by the client in the AWS SDK's kms package; only
// the subset of methods used here is declared, so tests can fake it.
type kmsClient interface {
	EncryptWithContext(aws.Context, *awskms.EncryptInput, ...request.Option) (*awskms.EncryptOutput, error)
	GenerateDataKeyWithContext(aws.Context, *awskms.GenerateDataKeyInput, ...request.Option) (*awskms.GenerateDataKeyOutput, error)
	DecryptWithContext(ctx aws.Context, input *awskms.DecryptInput, opts ...request.Option) (*awskms.DecryptOutput, error)
}

// regionClient pairs a region's KMS client with the ARN of the master key
// used in that region.
type regionClient struct {
	KMS    kmsClient
	Region string
	ARN    string
}

func newRegionClient(sess client.ConfigProvider, region, arn string) regionClient {
	return regionClient{
		KMS:    clientFactory(sess, aws.NewConfig().WithRegion(region)),
		Region: region,
		ARN:    arn,
	}
}

func createRegionClients(arnMap map[string]string) ([]regionClient, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("unable to create new session: %w", err)
	}

	clients := make([]regionClient, 0, len(arnMap))

	for region, arn := range arnMap {
		clients = append(clients, newRegionClient(sess, region, arn))
	}

	return clients, nil
}

// AWSKMS implements envelope.KeyManagementService against AWS KMS, wrapping
// a System Key under a master key in every configured region (spec §4.3
// multi-region semantics). EncryptKey fans out to all regions in parallel;
// DecryptKey tries the preferred region first, then falls through in order.
type AWSKMS struct {
	crypto  envelope.AEAD
	clients []regionClient
}

func sortClients(preferredRegion string, clients []regionClient) []regionClient {
	sort.SliceStable(clients, func(i, _ int) bool {
		return clients[i].Region == preferredRegion
	})

	return clients
}

// NewAWS returns an AWSKMS with one client per entry in arnMap (region ->
// master key ARN), preferring preferredRegion for decryption.
func NewAWS(crypto envelope.AEAD, preferredRegion string, arnMap map[string]string) (*AWSKMS, error) {
	clients, err := createRegionClients(arnMap)
	if err != nil {
		return nil, err
	}

	return &AWSKMS{
		crypto:  crypto,
		clients: sortClients(preferredRegion, clients),
	}, nil
}

// kekEnvelope is the JSON structure persisted to the metastore: the data key
// encrypted payload plus one wrapped copy of the data key per region.
type kekEnvelope struct {
	EncryptedKey []byte          `json:"encryptedKey"`
	KMSKEKs      []regionWrapped `json:"kmsKeks"`
}

// regionWrapped is one region's wrapped copy of the AES-256-GCM data key.
type regionWrapped struct {
	Region       string `json:"region"`
	ARN          string `json:"arn"`
	EncryptedKEK []byte `json:"encryptedKek"`
}

func (ks regionWrapped) matches(region string) bool { return ks.Region == region }

func findRegion(ks []regionWrapped, region string) *regionWrapped {
	for i := range ks {
		if ks[i].matches(region) {
			return &ks[i]
		}
	}

	return nil
}

// EncryptKey generates a fresh AES-256 data key, uses it to encrypt keyBytes
// locally, and wraps that data key under every region's master key.
func (m *AWSKMS) EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error) {
	dataKey, err := generateDataKeyFunc(ctx, m.clients)
	if err != nil {
		return nil, err
	}

	defer internal.MemClr(dataKey.Plaintext)

	encKeyBytes, err := m.crypto.Encrypt(keyBytes, dataKey.Plaintext)
	if err != nil {
		return nil, err
	}

	env := kekEnvelope{
		EncryptedKey: encKeyBytes,
		KMSKEKs:      make([]regionWrapped, 0, len(m.clients)),
	}

	for k := range encryptAllRegionsFunc(ctx, dataKey, m.clients) {
		env.KMSKEKs = append(env.KMSKEKs, k)
	}

	return json.Marshal(env)
}

// encryptAllRegions wraps dataKey's plaintext under every region's master
// key concurrently; the region whose ARN already produced dataKey reuses its
// ciphertext blob instead of a redundant round trip.
func encryptAllRegions(ctx context.Context, resp *awskms.GenerateDataKeyOutput, clients []regionClient) <-chan regionWrapped {
	var wg sync.WaitGroup

	results := make(chan regionWrapped, len(clients))

	for i := range clients {
		c := &clients[i]

		if c.ARN == *resp.KeyId {
			results <- regionWrapped{Region: c.Region, ARN: c.ARN, EncryptedKEK: resp.CiphertextBlob}
			continue
		}

		wg.Add(1)

		go func(c *regionClient) {
			defer wg.Done()
			defer encryptKeyTimer.UpdateSince(time.Now())

			encResp, err := c.KMS.EncryptWithContext(ctx, &awskms.EncryptInput{
				KeyId:     aws.String(c.ARN),
				Plaintext: resp.Plaintext,
			})
			if err != nil {
				log.Debugf("error kms encrypt in region (%s): %s", c.Region, err)
				return
			}

			results <- regionWrapped{Region: c.Region, ARN: c.ARN, EncryptedKEK: encResp.CiphertextBlob}
		}(c)
	}

	go func() {
		defer close(results)
		wg.Wait()
	}()

	return results
}

// generateDataKey generates a new data key in the first region that
// succeeds; an error is returned only if every region fails.
func generateDataKey(ctx context.Context, clients []regionClient) (*awskms.GenerateDataKeyOutput, error) {
	for i := range clients {
		c := &clients[i]

		start := time.Now()

		resp, err := c.KMS.GenerateDataKeyWithContext(ctx, &awskms.GenerateDataKeyInput{
			KeyId:   &c.ARN,
			KeySpec: aws.String(awskms.DataKeySpecAes256),
		})

		metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.generatedatakey.%s", envelope.MetricsPrefix, c.Region), nil).
			UpdateSince(start)

		if err != nil {
			log.Debugf("error generating data key in region (%s), trying next region: %s", c.Region, err)
			continue
		}

		return resp, nil
	}

	return nil, errors.Wrap(envelope.ErrKMSFailure, "all regions returned errors generating data key")
}

// DecryptKey decrypts an envelope previously returned by EncryptKey, trying
// the preferred region first and falling through to the rest in order.
func (m *AWSKMS) DecryptKey(ctx context.Context, keyBytes []byte) ([]byte, error) {
	var env kekEnvelope

	if err := json.Unmarshal(keyBytes, &env); err != nil {
		return nil, errors.Wrap(envelope.ErrMalformedEKR, err.Error())
	}

	for i := range m.clients {
		c := &m.clients[i]

		wrapped := findRegion(env.KMSKEKs, c.Region)
		if wrapped == nil {
			continue
		}

		start := time.Now()

		output, err := c.KMS.DecryptWithContext(ctx, &awskms.DecryptInput{CiphertextBlob: wrapped.EncryptedKEK})

		decryptKeyTimer.UpdateSince(start)

		if err != nil {
			log.Debugf("error kms decrypt in region (%s): %s", c.Region, err)
			continue
		}

		plaintext, err := func() ([]byte, error) {
			defer internal.MemClr(output.Plaintext)

			return m.crypto.Decrypt(env.EncryptedKey, output.Plaintext)
		}()
		if err != nil {
			log.Debugf("error crypto decrypt using region (%s) key: %s", c.Region, err)
			continue
		}

		return plaintext, nil
	}

	return nil, errors.Wrap(envelope.ErrKMSFailure, "decrypt failed in all regions")
}
