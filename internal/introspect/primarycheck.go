/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package introspect

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	corev1 "k8s.io/api/core/v1"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/insiderscore/pg-reflinker/internal/classify"
)

// StreamingReplicationUser is the conventional role the upstream operator
// issues replication client certificates for, and the CN its cert-auth
// mapping expects a connecting client to present.
const StreamingReplicationUser = "streaming_replica"

// verifyPrimaryRoleFunc is called by Resolve to confirm the candidate pod
// is the primary; it is a package variable so reconciler-facing tests
// (which exercise Resolve end to end against a fake client, with no real
// PostgreSQL to dial) can stub it out. queryIsPrimary below, the part that
// actually talks database/sql, is what's unit-tested, with go-sqlmock.
var verifyPrimaryRoleFunc = verifyPrimaryRole

// StubVerifyPrimaryRoleForTesting overrides the live primary-role probe
// Resolve calls with fn, for other packages' tests that drive Resolve
// end to end against a fake client (e.g. a reconciler test) with no real
// PostgreSQL to dial. It returns a restore func that puts the real probe
// back; callers should defer it.
func StubVerifyPrimaryRoleForTesting(fn func(ctx context.Context, cli ctrlclient.Client, namespace string, pod *corev1.Pod, replicationSecret, caSecret string) error) (restore func()) {
	prev := verifyPrimaryRoleFunc
	verifyPrimaryRoleFunc = fn
	return func() { verifyPrimaryRoleFunc = prev }
}

// verifyPrimaryRole opens a short-lived connection to the candidate pod and
// confirms it is not in recovery. The cluster's primary label can briefly
// lag an in-progress switchover; this is the only way to be sure
// pg_backup_start will actually succeed there before a BackupJob is ever
// created against it.
func verifyPrimaryRole(
	ctx context.Context,
	cli ctrlclient.Client,
	namespace string,
	pod *corev1.Pod,
	replicationSecret, caSecret string,
) error {
	cfg, err := buildConnConfig(ctx, cli, namespace, pod.Status.PodIP, replicationSecret, caSecret)
	if err != nil {
		return classify.TransientDefault(fmt.Errorf(
			"building connection to candidate primary %s/%s: %w", namespace, pod.Name, err))
	}

	db := stdlib.OpenDB(*cfg)
	defer db.Close()

	isPrimary, err := queryIsPrimary(ctx, db)
	if err != nil {
		return classify.TransientDefault(fmt.Errorf(
			"querying candidate primary %s/%s: %w", namespace, pod.Name, err))
	}
	if !isPrimary {
		return classify.TransientDefault(fmt.Errorf(
			"pod %s/%s is not the primary (pg_is_in_recovery returned true)", namespace, pod.Name))
	}
	return nil
}

// queryIsPrimary runs the one query the whole probe exists for. Split out
// from verifyPrimaryRole so it can be driven against a go-sqlmock-backed
// *sql.DB without a real network connection.
func queryIsPrimary(ctx context.Context, db *sql.DB) (bool, error) {
	var inRecovery bool
	if err := db.QueryRowContext(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return false, err
	}
	return !inRecovery, nil
}

// buildConnConfig assembles a pgx connection config authenticated with the
// cluster's own replication client certificate, the same credential the
// BackupJob's psql session uses, so this probe fails exactly when the job
// would have.
func buildConnConfig(
	ctx context.Context,
	cli ctrlclient.Client,
	namespace, podIP, replicationSecret, caSecret string,
) (*pgx.ConnConfig, error) {
	certPEM, keyPEM, caPEM, err := readTLSMaterial(ctx, cli, namespace, replicationSecret, caSecret)
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing replication client certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parsing CA certificate from %s/%s", namespace, caSecret)
	}

	cfg, err := pgx.ParseConfig(fmt.Sprintf(
		"host=%s port=5432 user=%s dbname=postgres sslmode=verify-ca connect_timeout=5",
		podIP, StreamingReplicationUser))
	if err != nil {
		return nil, fmt.Errorf("parsing connection string for %s: %w", podIP, err)
	}
	cfg.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   podIP,
		MinVersion:   tls.VersionTLS12,
	}
	return cfg, nil
}

// readTLSMaterial fetches the replication client certificate and CA bundle
// the upstream operator issues per cluster, the same secrets mounted into
// the BackupJob.
func readTLSMaterial(
	ctx context.Context,
	cli ctrlclient.Client,
	namespace, replicationSecret, caSecret string,
) (certPEM, keyPEM, caPEM []byte, err error) {
	var repl corev1.Secret
	if err := cli.Get(ctx, ctrlclient.ObjectKey{Namespace: namespace, Name: replicationSecret}, &repl); err != nil {
		return nil, nil, nil, fmt.Errorf("reading replication secret %s/%s: %w", namespace, replicationSecret, err)
	}
	var ca corev1.Secret
	if err := cli.Get(ctx, ctrlclient.ObjectKey{Namespace: namespace, Name: caSecret}, &ca); err != nil {
		return nil, nil, nil, fmt.Errorf("reading CA secret %s/%s: %w", namespace, caSecret, err)
	}

	cert, ok := repl.Data["tls.crt"]
	if !ok {
		return nil, nil, nil, fmt.Errorf("secret %s/%s has no tls.crt", namespace, replicationSecret)
	}
	key, ok := repl.Data["tls.key"]
	if !ok {
		return nil, nil, nil, fmt.Errorf("secret %s/%s has no tls.key", namespace, replicationSecret)
	}
	caCert, ok := ca.Data["ca.crt"]
	if !ok {
		return nil, nil, nil, fmt.Errorf("secret %s/%s has no ca.crt", namespace, caSecret)
	}

	return cert, key, caCert, nil
}
