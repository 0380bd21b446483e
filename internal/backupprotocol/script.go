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

// Package backupprotocol builds the shell script run by the BackupJob's
// main container: the online base-backup envelope bracketing the reflink
// copy. The reflink happens while PostgreSQL believes a backup is in
// progress, so the labelfile pg_backup_stop returns is the only correct
// backup_label for the copied data directory.
package backupprotocol

import (
	"fmt"
	"path"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/lib/pq"
)

const (
	// SourceMountPath is where the source claim is mounted, read-only.
	SourceMountPath = "/source"
	// DestMountPath is where the on-host snapshot directory is mounted.
	DestMountPath = "/dest"
	// PGDataSubdir is the copied data directory's name under DestMountPath.
	PGDataSubdir = "pgdata"
	// BackupLabelFile is the name of the in-tree backup label PostgreSQL
	// writes during the copy, which must be overwritten with the value
	// pg_backup_stop returns.
	BackupLabelFile = "backup_label"
	// ConnectDatabase is the database the backup protocol's psql session
	// connects to. pg_backup_start/pg_backup_stop are cluster-wide, not
	// per-database, so this only needs to name a database that exists.
	ConnectDatabase = "postgres"
)

// DestDataDir is the absolute path to the copied data directory.
func DestDataDir() string {
	return path.Join(DestMountPath, PGDataSubdir)
}

// destBackupLabelPath is the absolute path to the backup_label file that
// must be overwritten on success.
func destBackupLabelPath() string {
	return path.Join(DestDataDir(), BackupLabelFile)
}

// BackupTag returns the tag passed to pg_backup_start, namespaced so
// concurrent snapshots of the same cluster never collide in
// pg_stat_progress_basebackup or server logs.
func BackupTag(guid string) string {
	return "reflinker-" + guid
}

// BuildScript renders the full Backup Protocol as a POSIX shell script,
// to be run as the BackupJob main container's command. It implements, in
// order: pg_backup_start (forcing a checkpoint), the reflink copy while
// the backup is in progress, pg_backup_stop, and the unconditional
// overwrite of backup_label with the labelfile pg_backup_stop returns,
// which must happen in exactly that order on every successful run. Both
// psql invocations rely on PGUSER and PGDATABASE being set in the
// container's environment (see specs.buildBackupContainer) rather than
// passing -U/-d explicitly, the same way PGHOST and the PGSSL* variables
// are threaded through.
func BuildScript(guid string) string {
	tag := pq.QuoteLiteral(BackupTag(guid))

	startSQL := fmt.Sprintf("SELECT pg_backup_start(%s, fast := true);", tag)
	stopSQL := "SELECT labelfile FROM pg_backup_stop(wait_for_archive := false);"

	startCmd := shellquote.Join("psql", "-Atq", "-v", "ON_ERROR_STOP=1", "-c", startSQL)
	copyCmd := shellquote.Join("cp", "-a", "--reflink=always", SourceMountPath, DestDataDir())
	stopCmd := shellquote.Join("psql", "-Atq", "-v", "ON_ERROR_STOP=1", "-c", stopSQL)
	labelPath := shellquote.Join(destBackupLabelPath())

	lines := []string{
		"#!/bin/sh",
		"set -eu",
		startCmd,
		copyCmd,
		stopCmd + " > " + labelPath,
	}
	return strings.Join(lines, "\n") + "\n"
}
