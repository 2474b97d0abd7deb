package haproxy

// Used when no template path is configured
const defaultTemplate = `# Generated by proxystate, do not edit
{{- range $listener := .Listeners }}
{{- if eq $listener.Kind "tcp" }}

# {{ $listener.Name }}: tcp passthrough, nothing to route
{{- else }}

frontend {{ $listener.Name }}
    mode http
    bind {{ $listener.IP }}:{{ $listener.Port }}{{ if $listener.Certificates }} ssl{{ range $listener.Certificates }} crt {{ . }}{{ end }}{{ end }}
{{- range $listener.Fronts }}
{{- if eq $listener.Kind "tls" }}
    use_backend {{ .Backend }} if { ssl_fc_sni -i {{ .Hostname }} } { path_beg {{ .PathPrefix }} }
{{- else }}
    use_backend {{ .Backend }} if { hdr(host) -i {{ .Hostname }} } { path_beg {{ .PathPrefix }} }
{{- end }}
{{- end }}
{{- range $listener.Backends }}

backend {{ .Name }}
    mode http
{{- range .Servers }}
    server {{ .Name }} {{ .IP }}:{{ .Port }} check
{{- end }}
{{- end }}
{{- end }}
{{- end }}
`
