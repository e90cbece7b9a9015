// Package interfaces defines the capability contracts that connect the
// upload orchestration pipeline to its collaborators: keyed blob storage
// backends with optional multipart upload, content hashing types, placement
// roles and flags, and the error taxonomy shared by every component.
//
// Components depend on these interfaces rather than on concrete
// implementations, which keeps backends pluggable: any object store exposing
// put/get/list/delete (plus the multipart lifecycle for large objects) can
// participate in placement.
package interfaces
