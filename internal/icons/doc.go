// Package icons hands new catalog items off for icon linking.
//
// A new item reuses the nearest existing icon when their embeddings are more
// than DefaultLinkThreshold similar. Otherwise an icon-generation job is
// queued, either in the icon_jobs table or on SQS, for a worker outside this
// service. Dispatch never blocks resolution.
package icons
