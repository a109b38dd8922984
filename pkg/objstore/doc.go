/*

Package objstore defines the blob store contract that srkstore runs on top of. It is a simple and standardized way of
interacting with cloud object storage such as provided by AWS S3 and Azure Blob Storage, plus a local filesystem
implementation for development and tests.
The contract provides only the functionality the repository and object managers need, which keeps new implementations
easy to build.

Limitations and Design Considerations

Access control - the store knows nothing about tenants. Ownership is recorded as ordinary container metadata and
enforced one layer up, in package tenant.

Atomic creation - CreateContainer takes the initial metadata so that a container is never observable without it.
Backends that cannot create and tag in one call must undo the creation when tagging fails.

Multipart uploads - these are not supported. A blob is written in a single call from a seekable body whose size is
known up front.

Errors - failures reported by the store are returned as *StoreError carrying an HTTP-style status code, a short
machine readable code and the store's own message. Callers pass the status code through unchanged instead of
translating it. Every backend reports missing containers and blobs with the ContainerNotFound and BlobNotFound codes.

Consistency guarantees - whatever the backing store provides. Concurrent uploads to the same blob name are last
writer wins.

Object versions - not supported. The etag reported in BlobProperties is an opaque token assigned by the store.
*/
package objstore
