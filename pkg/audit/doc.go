// Package audit records operator actions on accounts and keys.
//
// Every mutating request to the account and admin routes, and every request
// those routes deny, is written as one JSON object per line:
//
//	{"id":"...","timestamp":"...","action":"POST /admin/keys/{id}/revoke",
//	 "status":"success","status_code":200,"owner_id":7,"resource_id":"42",...}
//
// FileLogger appends to <dir>/audit.log and rotates it to
// audit-<timestamp>.log once it reaches MaxSize, keeping at most MaxFiles
// rotated files.
package audit
