package insight

import "sort"

func sortedAgents(agents map[string]*mailbox) []string {
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
