package crm

import (
	"strconv"
	"strings"

	"github.com/bins-dev/pve-ha-manager/pkg/types"
	"github.com/rs/zerolog"
)

// parsedCommand is one line of crm_commands, already validated (§4.7).
type parsedCommand struct {
	verb string
	args []string
}

// parseCommandLine splits one crm_commands line into a verb and its
// arguments. Unknown verbs are rejected here; malformed argument counts are
// rejected by the caller once it knows the verb's expected arity.
func parseCommandLine(line string) (parsedCommand, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return parsedCommand{}, false
	}
	switch fields[0] {
	case "migrate", "relocate", "stop", "enable-node-maintenance", "disable-node-maintenance":
		return parsedCommand{verb: fields[0], args: fields[1:]}, true
	default:
		return parsedCommand{}, false
	}
}

// applyCommands consumes every queued command line against ms, logging and
// dropping anything unknown or malformed (§4.7). Node-maintenance commands
// take effect immediately on NodeRequest; migrate/relocate/stop are staged
// onto the target service's sd.Cmd for the state machine to consume.
func applyCommands(ms *types.ManagerStatus, lines []string, log zerolog.Logger) {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmd, ok := parseCommandLine(line)
		if !ok {
			log.Warn().Str("line", line).Msg("crm: dropping malformed command")
			continue
		}

		switch cmd.verb {
		case "enable-node-maintenance":
			if len(cmd.args) != 1 {
				log.Warn().Str("line", line).Msg("crm: dropping malformed command")
				continue
			}
			req := ms.NodeRequest[cmd.args[0]]
			req.Maintenance = true
			ms.NodeRequest[cmd.args[0]] = req

		case "disable-node-maintenance":
			if len(cmd.args) != 1 {
				log.Warn().Str("line", line).Msg("crm: dropping malformed command")
				continue
			}
			req := ms.NodeRequest[cmd.args[0]]
			req.Maintenance = false
			ms.NodeRequest[cmd.args[0]] = req

		case "migrate", "relocate":
			if len(cmd.args) != 2 {
				log.Warn().Str("line", line).Msg("crm: dropping malformed command")
				continue
			}
			applyServiceCommand(ms, types.ServiceID(cmd.args[0]), cmd.verb, []string{cmd.args[1]}, log)

		case "stop":
			if len(cmd.args) != 2 {
				log.Warn().Str("line", line).Msg("crm: dropping malformed command")
				continue
			}
			applyServiceCommand(ms, types.ServiceID(cmd.args[0]), cmd.verb, []string{cmd.args[1]}, log)
		}
	}
}

// applyServiceCommand stages verb/args as sd.Cmd, deduping an identical
// command already queued for the same service so that issuing the same
// "migrate sid node" twice in a row produces one log line and no extra
// state churn (§8 property 8 "Command idempotence").
func applyServiceCommand(ms *types.ManagerStatus, sid types.ServiceID, verb string, args []string, log zerolog.Logger) {
	sd, exists := ms.ServiceStatus[sid]
	if !exists {
		log.Warn().Str("sid", string(sid)).Str("verb", verb).Msg("crm: command references unknown service, dropping")
		return
	}

	if (verb == "migrate" || verb == "relocate") && len(args) == 1 && sd.Node == args[0] {
		log.Debug().Str("sid", string(sid)).Str("node", args[0]).Msg("crm: service already on requested node, ignoring duplicate command")
		return
	}
	if sd.Cmd != nil && sd.Cmd.Verb == verb && stringsEqual(sd.Cmd.Args, args) {
		log.Debug().Str("sid", string(sid)).Str("verb", verb).Msg("crm: duplicate command already queued, ignoring")
		return
	}

	cmd := &types.Command{Verb: verb, Args: args}
	if verb == "stop" && len(args) == 1 {
		if timeout, err := strconv.Atoi(args[0]); err == nil {
			cmd.Timeout = timeout
		}
	}
	sd.Cmd = cmd
	ms.ServiceStatus[sid] = sd
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
