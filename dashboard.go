package main

import "net/http"

func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>ECG Report Service</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
:root{
  --bg:#0a0e1a;--card:#1e293b;--border:#334155;--text:#e2e8f0;--text-muted:#94a3b8;--text-dim:#64748b;
  --accent:#6366f1;--success:#22c55e;--warning:#f59e0b;--danger:#ef4444;--info:#3b82f6;
  --radius:12px;--radius-sm:8px;
}
body{font-family:system-ui,sans-serif;background:var(--bg);color:var(--text);min-height:100vh}
.header{border-bottom:1px solid var(--border);padding:16px 32px;display:flex;align-items:center;justify-content:space-between}
.header h1{font-size:20px;font-weight:700}
.health-bar{display:flex;gap:16px;align-items:center;font-size:13px;flex-wrap:wrap}
.health-dot{width:8px;height:8px;border-radius:50%;display:inline-block;margin-right:4px}
.health-dot.ok{background:var(--success)}
.health-dot.err{background:var(--danger)}
.controls{padding:20px 32px;display:flex;gap:12px;align-items:center;flex-wrap:wrap;border-bottom:1px solid var(--border)}
.controls label{font-size:13px;color:var(--text-muted)}
.controls input,.controls select{background:var(--card);border:1px solid var(--border);color:var(--text);
  padding:8px 12px;border-radius:var(--radius-sm);font-size:13px}
.btn{padding:8px 16px;border-radius:var(--radius-sm);border:none;cursor:pointer;font-size:13px;font-weight:600}
.btn-primary{background:var(--accent);color:#fff}
.btn-danger{background:var(--danger);color:#fff}
.btn-outline{background:transparent;border:1px solid var(--border);color:var(--text-muted)}
.btn-sm{padding:4px 10px;font-size:12px}
.btn:disabled{opacity:.5;cursor:not-allowed}
.stats{display:flex;gap:20px;padding:24px 32px}
.stat{background:var(--card);border:1px solid var(--border);border-radius:var(--radius);padding:16px;flex:1;text-align:center}
.stat-value{font-size:28px;font-weight:700}
.stat-label{font-size:11px;color:var(--text-dim);text-transform:uppercase;margin-top:4px}
.section{padding:0 32px 32px}
.table-wrap{background:var(--card);border:1px solid var(--border);border-radius:var(--radius);overflow:hidden}
table{width:100%;border-collapse:collapse;font-size:13px}
th{padding:12px 16px;text-align:left;color:var(--text-muted);font-size:11px;text-transform:uppercase;border-bottom:1px solid var(--border)}
td{padding:10px 16px;border-bottom:1px solid rgba(51,65,85,.5)}
.badge{padding:3px 8px;border-radius:99px;font-size:11px;font-weight:600}
.badge-success{background:rgba(34,197,94,.15);color:var(--success)}
.badge-failed{background:rgba(239,68,68,.15);color:var(--danger)}
.badge-pending{background:rgba(245,158,11,.15);color:var(--warning)}
.toast-container{position:fixed;top:20px;right:20px;display:flex;flex-direction:column;gap:8px}
.toast{padding:12px 20px;border-radius:var(--radius-sm);font-size:13px;max-width:360px}
.toast-success{background:rgba(34,197,94,.9);color:#fff}
.toast-error{background:rgba(239,68,68,.9);color:#fff}
</style>
</head>
<body>
<div class="header">
  <h1>ECG Report Service</h1>
  <div class="health-bar" id="healthBar">
    <span><span class="health-dot" id="dbDot"></span>Database: <span id="dbStatus">...</span></span>
  </div>
</div>

<div class="controls">
  <label>Club</label>
  <input type="text" id="tenant" placeholder="all">
  <label>Status</label>
  <select id="status">
    <option value="">all</option><option>pending</option><option>success</option><option>failed</option>
  </select>
  <button class="btn btn-primary" onclick="loadJobs()">Refresh</button>
  <button class="btn btn-danger" id="retryBtn" onclick="retryFailed()">Reset Failed</button>
</div>

<div class="stats">
  <div class="stat"><div class="stat-value" style="color:var(--warning)" id="jobs-pending">-</div><div class="stat-label">Pending</div></div>
  <div class="stat"><div class="stat-value" style="color:var(--success)" id="jobs-success">-</div><div class="stat-label">Success</div></div>
  <div class="stat"><div class="stat-value" style="color:var(--danger)" id="jobs-failed">-</div><div class="stat-label">Failed</div></div>
</div>

<div class="section">
  <div class="table-wrap">
    <table>
      <thead><tr><th>ID</th><th>Club</th><th>Study</th><th>Recipient</th><th>Status</th><th>Retries</th><th>Updated</th><th>Error</th><th></th></tr></thead>
      <tbody id="jobsBody"><tr><td colspan="9" style="text-align:center;color:var(--text-dim);padding:24px">Loading...</td></tr></tbody>
    </table>
  </div>
</div>

<div class="toast-container" id="toasts"></div>

<script>
function esc(s){
  return String(s??'').replace(/[&<>"']/g, c=>({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c]));
}

function toast(msg, type){
  const t = document.createElement('div');
  t.className = 'toast toast-'+type;
  t.textContent = msg;
  document.getElementById('toasts').appendChild(t);
  setTimeout(()=>t.remove(), 4000);
}

async function refreshHealth(){
  const bar = document.getElementById('healthBar');
  bar.querySelectorAll('.token').forEach(e=>e.remove());
  try{
    const d = await (await fetch('/api/health')).json();
    const dbOk = d.database === 'ok';
    document.getElementById('dbDot').className = 'health-dot '+(dbOk?'ok':'err');
    document.getElementById('dbStatus').textContent = dbOk?'Connected':d.database;
    Object.entries(d.tokens||{}).forEach(([club, tok])=>{
      if(club==='error') return;
      const s = document.createElement('span');
      s.className = 'token';
      s.innerHTML = '<span class="health-dot '+(tok.valid?'ok':'err')+'"></span>'+esc(club)+': '+(tok.valid?'token valid':'no token');
      bar.appendChild(s);
    });
  }catch(e){
    document.getElementById('dbStatus').textContent = 'Error';
  }
}

async function loadJobs(){
  const q = new URLSearchParams({limit:'200'});
  const tenant = document.getElementById('tenant').value.trim();
  const status = document.getElementById('status').value;
  if(tenant) q.set('tenant', tenant);
  if(status) q.set('status', status);
  try{
    const d = await (await fetch('/api/jobs?'+q)).json();
    document.getElementById('jobs-pending').textContent = d.pending??0;
    document.getElementById('jobs-success').textContent = d.success??0;
    document.getElementById('jobs-failed').textContent = d.failed??0;
    const body = document.getElementById('jobsBody');
    if(!d.jobs || d.jobs.length===0){
      body.innerHTML = '<tr><td colspan="9" style="text-align:center;color:var(--text-dim);padding:24px">No jobs</td></tr>';
      return;
    }
    body.innerHTML = d.jobs.map(j=>{
      const reset = j.status==='failed' ? '<button class="btn btn-outline btn-sm" onclick="resetJob('+j.id+')">Reset</button>' : '';
      return '<tr><td>'+j.id+'</td><td>'+esc(j.tenant)+'</td><td>'+esc(j.sid)+'</td><td>'+esc(j.recipient)+'</td>'
        +'<td><span class="badge badge-'+esc(j.status)+'">'+esc(j.status)+'</span></td>'
        +'<td>'+j.retry_count+'/3</td>'
        +'<td>'+new Date(j.updated_at).toLocaleString()+'</td>'
        +'<td style="font-size:11px;color:var(--text-dim)">'+esc((j.error_message||'-').substring(0,60))+'</td>'
        +'<td>'+reset+'</td></tr>';
    }).join('');
  }catch(e){
    document.getElementById('jobsBody').innerHTML = '<tr><td colspan="9" style="color:var(--danger)">Error: '+esc(e.message)+'</td></tr>';
  }
}

async function postRetry(body){
  const r = await fetch('/api/jobs/retry',{method:'POST',headers:{'Content-Type':'application/json'},body:JSON.stringify(body)});
  return r.json();
}

async function resetJob(id){
  try{
    const d = await postRetry({id});
    toast(d.reset ? 'Job '+id+' will be retried next cycle' : 'Job '+id+': '+(d.reason||d.error), d.reset?'success':'error');
    loadJobs();
  }catch(e){
    toast('Reset error: '+e.message, 'error');
  }
}

async function retryFailed(){
  const btn = document.getElementById('retryBtn');
  btn.disabled = true;
  try{
    const d = await postRetry({status:'failed'});
    toast('Reset '+(d.reset??0)+' failed jobs', 'success');
    loadJobs();
  }catch(e){
    toast('Reset error: '+e.message, 'error');
  }finally{
    btn.disabled = false;
  }
}

refreshHealth();
loadJobs();
setInterval(refreshHealth, 30000);
</script>
</body>
</html>`
