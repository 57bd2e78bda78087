package router

import (
	"fmt"
	"strconv"
	"strings"
)

// HandleCommand dispatches a ! command on the fast path and returns the
// reply, already bounded to the byte budget. !retry is the one command the
// dispatcher intercepts before this point, because it re-enters the slow
// path.
func (r *Router) HandleCommand(senderID, text string) string {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(text), " ")
	cmd = strings.ToLower(cmd)
	arg = strings.TrimSpace(arg)

	var reply string
	switch cmd {
	case "!help":
		reply = r.cmdHelp()
	case "!status":
		reply = r.cmdStatus()
	case "!topics":
		reply = r.cmdTopics()
	case "!ping":
		reply = "pong from " + r.cfg.NodeName
	case "!peers":
		reply = r.peers.FormatPeersResponse()
	case "!more":
		reply = r.cmdMore(senderID, arg)
	case "!forget":
		reply = r.cmdForget(senderID)
	case "!board":
		reply = r.cmdBoard(arg)
	case "!post":
		reply = r.cmdPost(senderID, arg)
	case "!unpost":
		reply = r.cmdUnpost(senderID)
	case "!data":
		reply = r.cmdData()
	default:
		reply = fmt.Sprintf("Unknown command: %s. Try !help", cmd)
	}
	return r.enforceLimit(reply)
}

func (r *Router) cmdHelp() string {
	commands := "!help !topics !status !more !retry !ping !peers"
	if r.memory != nil {
		commands += " !forget"
	}
	if r.cfg.BoardEnabled && r.board != nil {
		commands += " !board !post !unpost"
	}
	if r.facts != nil && r.facts.HasFacts() {
		commands += " !data"
	}
	return fmt.Sprintf(
		"%s · community AI oracle\n"+
			"Ask questions in plain text. I search local docs and answer concisely. DM only.\n"+
			"Commands: %s\n"+
			"Powered by %s · %d docs indexed",
		r.cfg.NodeName, commands, r.oracle.ModelID(), r.oracle.DocCount())
}

func (r *Router) cmdStatus() string {
	llmOK, ragOK := "✗", "✗"
	if r.oracle.Available() {
		llmOK = "✓"
	}
	if r.oracle.RAGAvailable() {
		ragOK = "✓"
	}
	return fmt.Sprintf(
		"%s up %s · %s · %d docs\nqueries: %d\nollama: %s · rag: %s",
		r.cfg.NodeName, r.formatUptime(), r.oracle.ModelID(), r.oracle.DocCount(),
		r.queries(), llmOK, ragOK)
}

func (r *Router) cmdTopics() string {
	topics := r.oracle.Topics()
	if len(topics) == 0 {
		return "No documents loaded. Drop .txt or .md files into the knowledge folder."
	}
	return "Topics: " + strings.Join(topics, ", ")
}

func (r *Router) cmdMore(senderID, arg string) string {
	r.buffersMu.Lock()
	buf, ok := r.moreBuffers[senderID]
	r.buffersMu.Unlock()
	if !ok || buf.Expired() {
		return msgNoPending
	}

	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Sprintf("Usage: !more or !more N (1-%d)", buf.TotalChunks())
		}
		if chunk := buf.GetChunk(n); chunk != "" {
			return chunk
		}
		return fmt.Sprintf("No chunk %d. Response has %d parts.", n, buf.TotalChunks())
	}

	if chunk := buf.NextChunk(); chunk != "" {
		return chunk
	}
	return msgNoMore
}

func (r *Router) cmdForget(senderID string) string {
	if r.memory == nil {
		return "Conversation memory is not enabled on this node."
	}
	r.memory.Clear(senderID)
	return "Forgotten. We start fresh."
}

func (r *Router) cmdBoard(arg string) string {
	if !r.cfg.BoardEnabled || r.board == nil {
		return "The board is not enabled on this node."
	}
	return r.board.Read(arg)
}

func (r *Router) cmdPost(senderID, arg string) string {
	if !r.cfg.BoardEnabled || r.board == nil {
		return "The board is not enabled on this node."
	}
	return r.board.Post(senderID, arg)
}

func (r *Router) cmdUnpost(senderID string) string {
	if !r.cfg.BoardEnabled || r.board == nil {
		return "The board is not enabled on this node."
	}
	return r.board.Clear(senderID)
}

func (r *Router) cmdData() string {
	if r.facts == nil {
		return "No sensor data available."
	}
	return r.facts.FormatSnapshot()
}
