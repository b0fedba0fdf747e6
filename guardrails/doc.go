// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package guardrails implements the safety layer of the control plane: local
detectors, verdict aggregation with external policy sinks, and the active
manager that wraps both directions of a provider call.

# Detectors

Three local detector kinds run in-process with no network dependency:

  - PIIDetector: pattern-based detection of emails, phone numbers, IBANs,
    credit cards, SSNs, addresses, postal codes, and IP addresses, with
    checksum validation where the format defines one (Luhn, IBAN mod-97).
    RedactPII rewrites detected tokens under MASK, REMOVE, or REPLACE mode.
  - ToxicityDetector: keyword-category matching (hate speech, profanity,
    violence, discrimination, sexual content) with a weighted score.
  - InjectionDetector: regex detection of prompt-injection payloads
    (instruction overrides, role hijacks, template markers, script blocks).

# Verdicts

Service.CheckInput and Service.CheckOutput run the enabled detectors, then
the provider's content-policy sink, and aggregate both into one SafetyVerdict.
A blocking local verdict short-circuits: the sink is never called for text
that is already rejected. Detector failures degrade to a SYSTEM_ERROR
violation instead of a panic.

ActiveManager wraps a full request/response exchange: pre-check, redaction,
architectural delegation hints, post-check, audit logging.
*/
package guardrails
