package imap

import (
	"strings"
)

// SearchCriteria describes a remote search.
type SearchCriteria struct {
	// Query is matched against the whole message when FullText is set and
	// against the subject and address headers otherwise.
	Query     string
	FullText  bool
	Required  []Flag
	Forbidden []Flag
}

var (
	requiredFlagKeys = map[Flag]string{
		FlagSeen:      "SEEN",
		FlagAnswered:  "ANSWERED",
		FlagFlagged:   "FLAGGED",
		FlagDeleted:   "DELETED",
		FlagDraft:     "DRAFT",
		FlagRecent:    "RECENT",
		FlagForwarded: "KEYWORD $Forwarded",
	}
	forbiddenFlagKeys = map[Flag]string{
		FlagSeen:      "UNSEEN",
		FlagAnswered:  "UNANSWERED",
		FlagFlagged:   "UNFLAGGED",
		FlagDeleted:   "UNDELETED",
		FlagDraft:     "UNDRAFT",
		FlagRecent:    "OLD",
		FlagForwarded: "UNKEYWORD $Forwarded",
	}
)

// searchHeaders are the fields matched by a query that is not full text.
var searchHeaders = []string{"SUBJECT", "FROM", "TO", "CC", "BCC"}

// buildSearch renders criteria as UID SEARCH chunks for
// executeCommandWithLiterals. ASCII queries are quoted; anything else is
// sent as UTF-8 literals.
func buildSearch(sc SearchCriteria) []string {
	var (
		chunks  = []string{}
		b       strings.Builder
		literal = sc.Query != "" && !isASCII(sc.Query)
	)
	b.WriteString("UID SEARCH")
	if literal {
		b.WriteString(" CHARSET UTF-8")
	}

	arg := func(key string) {
		b.WriteString(" " + key + " ")
		if literal {
			chunks = append(chunks, b.String(), sc.Query)
			b.Reset()
			return
		}
		b.WriteString(quoteString(sc.Query))
	}

	if sc.Query != "" {
		if sc.FullText {
			arg("TEXT")
		} else {
			b.WriteString(strings.Repeat(" OR", len(searchHeaders)-1))
			for _, h := range searchHeaders {
				arg(h)
			}
		}
	}
	for _, f := range sc.Required {
		if k, ok := requiredFlagKeys[f]; ok {
			b.WriteString(" " + k)
		}
	}
	for _, f := range sc.Forbidden {
		if k, ok := forbiddenFlagKeys[f]; ok {
			b.WriteString(" " + k)
		}
	}
	return append(chunks, b.String())
}

// Search runs a UID SEARCH and returns the matches newest first. Closing
// the folder while a search runs drops the connection.
func (f *Folder) Search(sc SearchCriteria) ([]*Message, error) {
	c, err := f.checkOpen()
	if err != nil {
		return nil, err
	}
	f.inSearch.Store(true)
	defer f.inSearch.Store(false)

	responses, err := c.executeCommandWithLiterals(buildSearch(sc), f.handleUntagged)
	if err != nil {
		return nil, f.checkError(err)
	}
	return messagesFromSearch(ParseSearch(responses)), nil
}

// SearchQuery searches with the store's full-text setting.
func (f *Folder) SearchQuery(query string, required, forbidden []Flag) ([]*Message, error) {
	return f.Search(SearchCriteria{
		Query:     query,
		FullText:  f.store.config.RemoteSearchFullText,
		Required:  required,
		Forbidden: forbidden,
	})
}
