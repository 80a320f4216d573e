// Package shareindex defines the consumed interface for the excluded
// share-scanning/indexing collaborator (spec §6). The core never scans
// the filesystem or persists a share database itself; it only calls
// these methods to answer share-related peer and server requests.
package shareindex

import "github.com/prxssh/slsk/internal/wire"

// Index is implemented by the host application's share scanner.
type Index interface {
	// Lookup resolves a SoulSeek-style path (backslash separators,
	// possibly @@root-prefixed) to its shared file entry, if shared.
	Lookup(soulseekPath string) (wire.SharedFile, bool)

	// Totals reports the counts the server session announces via
	// SharedFoldersFiles at login (spec §4.2 startup sequence).
	Totals() (folders, files int)

	// Match returns every shared file whose path or metadata satisfies
	// query, used to answer both direct FileSearch results and
	// distributed SearchRequest fan-out (spec §4.3 Distributed tree).
	Match(query string) []wire.SharedFile

	// Folder returns every file directly inside folder, used to answer
	// FolderContentsRequest.
	Folder(folder string) []wire.SharedFile
}
