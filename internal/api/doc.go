// Package api implements the gateway's domain actions and the REST client for
// the backend that owns proposals and requests.
//
// Actions:
//   - proposal.accept / proposal.reject: forwarded to the backend, then
//     broadcast as proposal.updated to group proposal:<id>
//   - request.update: broadcast as request.updated to group request:<id>
//
// Backend calls are made once unless retries are configured. Failures come
// back as *model.DomainError and are reported to the originating client only.
package api
