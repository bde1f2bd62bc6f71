// Package crawler holds the domain types shared by the policy resolver, document registry, scheduler,
// snapshot cache and fetch transports: documents, policies, assets, fetched pages, the collaborator
// interfaces they depend on and the error taxonomy used to classify crawl outcomes.
package crawler
