// Command example wires a SessionFactory against the in-memory metastore
// and static KMS and round-trips a handful of payloads, optionally printing
// metrics at the end. It exists as a runnable demonstration of the envelope package's
// public API, not as a production tool.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/keyweave/envelope"
	"github.com/keyweave/envelope/pkg/aead"
	"github.com/keyweave/envelope/pkg/kms"
	elog "github.com/keyweave/envelope/pkg/log"
	"github.com/keyweave/envelope/pkg/metastore"
	"github.com/keyweave/envelope/pkg/persistence"
)

type stdoutLogger struct{}

func (stdoutLogger) Debugf(format string, v ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", v...)
}

func main() {
	count := flag.Int("count", 100, "number of payloads to round-trip")
	partitionID := flag.String("partition", "shopper-123456", "partition id to encrypt under")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	dumpMetrics := flag.Bool("metrics", false, "dump metrics as JSON after running")
	flag.Parse()

	if *verbose {
		elog.SetLogger(stdoutLogger{})
	}

	crypto := aead.NewAES256GCM()

	kmsClient, err := kms.NewStatic("thisIsAStaticKeyForTesting123456", crypto)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create static kms:", err)
		os.Exit(1)
	}

	defer kmsClient.Close()

	store := metastore.NewMemoryMetastore()

	config := &envelope.Config{
		Service: "exampleservice",
		Product: "exampleproduct",
		Policy:  envelope.NewCryptoPolicy(),
	}

	factory, err := envelope.NewSessionFactory(config, store, kmsClient, crypto)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create session factory:", err)
		os.Exit(1)
	}

	defer factory.Close()

	session, err := factory.GetSession(*partitionID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create session:", err)
		os.Exit(1)
	}

	defer session.Close()

	ctx := context.Background()

	persistenceStore := persistence.NewMemoryStore()

	start := time.Now()

	for i := 0; i < *count; i++ {
		plaintext := []byte(fmt.Sprintf("super secret payload #%d", i))

		persistenceKey, err := session.Store(ctx, plaintext, persistenceStore)
		if err != nil {
			fmt.Fprintln(os.Stderr, "store failed:", err)
			os.Exit(1)
		}

		decrypted, err := session.Load(ctx, persistenceKey, persistenceStore)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load failed:", err)
			os.Exit(1)
		}

		if string(decrypted) != string(plaintext) {
			fmt.Fprintln(os.Stderr, "round trip mismatch at", i)
			os.Exit(1)
		}
	}

	fmt.Printf("round-tripped %d payloads in %s\n", *count, time.Since(start))

	if *dumpMetrics {
		snapshot := make(map[string]interface{})

		gometrics.DefaultRegistry.Each(func(name string, m interface{}) {
			snapshot[name] = m
		})

		b, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to marshal metrics:", err)
			return
		}

		fmt.Println(string(b))
	}
}
