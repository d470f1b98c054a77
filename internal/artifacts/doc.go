// Package artifacts is the shared storage handoff between the front door and
// workers. Uploads and every stage output live under jobs/<id>/<stage>/<name>
// on either a shared filesystem (FS) or an S3-compatible bucket (S3).
package artifacts
