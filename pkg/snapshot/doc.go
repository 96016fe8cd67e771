/*
Package snapshot implements the bulk state archive used for partition
recovery: a donor exports every replicated business table into a single
checksummed file, the joiner downloads it in chunks and applies it as
idempotent upserts.

The archive is a stream of length-prefixed, snappy-compressed JSON
sections:

	magic "DSNP" | version |
	  HEADER  donor id, clock manifest, table/row counts
	  TABLE*  one or more row segments per table
	  TRAILER SHA-256 over every uncompressed section payload

The trailer checksum covers the header too, so a truncated or tampered
archive fails verification before any row of the damaged region is
trusted. Application is idempotent: rows are upserted by primary key, so
a recovery retried after a partial apply converges to the same state.

Chunked transfer is file-offset based. ChunkSource serves fixed-size
reads of a staged archive (optionally paced to a bandwidth cap) and
ChunkSink reassembles them on the joiner, rejecting out-of-order writes.
*/
package snapshot
